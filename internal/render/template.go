package render

import "html/template"

var fragmentTmpl = template.Must(template.New("fragment").Parse(`<article class="news-item{{if .Urgent}} urgent{{end}}" id="{{.ID}}" lang="ru">
{{- if .Category}}
<h2 class="category-header">{{.Category}}</h2>
{{- end}}
{{- if .Urgent}}
<p class="urgency-label">СРОЧНО:</p>
{{- end}}
<h3 class="news-headline">{{.Headline}}</h3>
{{- if eq .Kind "photo"}}
<img src="{{.MediaSrc}}" alt="Фото: {{.Headline}}" loading="lazy"/>
{{- else if eq .Kind "video"}}
<video controls="" preload="metadata"><source src="{{.MediaSrc}}" type="video/mp4"/>Ваш браузер не поддерживает видео.</video>
{{- end}}
{{- if .Caption}}
<p class="news-text">{{.Caption}}</p>
{{- end}}
{{- if .Body}}
<p class="news-text">{{.Body}}</p>
{{- end}}
<p class="timestamp" data-ts="{{.ISOTime}}">{{.DisplayTime}}</p>
<p class="source">Источник: <a href="{{.SourceLink}}" target="_blank" rel="noopener">{{.SiteName}}</a></p>
{{- if gt .MoreMedia 0}}
<p class="more-media"><a href="{{.SourceLink}}" target="_blank" rel="noopener">Ещё {{.MoreMedia}} фото/видео в Telegram</a></p>
{{- end}}
<script type="application/ld+json">{{.JSONLD}}</script>
</article>`))

type fragmentView struct {
	ID          string
	Urgent      bool
	Category    string
	Headline    string
	Kind        string
	MediaSrc    string
	Caption     string
	Body        string
	ISOTime     string
	DisplayTime string
	SourceLink  string
	SiteName    string
	MoreMedia   int
	JSONLD      template.JS
}

type organization struct {
	Type string       `json:"@type"`
	Name string       `json:"name"`
	Logo *imageObject `json:"logo,omitempty"`
}

type imageObject struct {
	Type string `json:"@type"`
	URL  string `json:"url"`
}

type newsArticle struct {
	Context       string       `json:"@context"`
	Type          string       `json:"@type"`
	Headline      string       `json:"headline"`
	DatePublished string       `json:"datePublished"`
	Author        organization `json:"author"`
	Publisher     organization `json:"publisher"`
	ArticleBody   string       `json:"articleBody"`
	URL           string       `json:"url"`
	Image         string       `json:"image,omitempty"`
}
