// Package social forwards published posts to a VK community wall.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/util"
)

const (
	defaultMessage = "Новость"
	videoNameRunes = 50
)

type Client struct {
	baseURL  string
	token    string
	groupID  string
	version  string
	maxRunes int
	client   *http.Client
	limiter  *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.client = c } }

func WithLimiter(l *rate.Limiter) Option { return func(cl *Client) { cl.limiter = l } }

func New(cfg config.VKConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		token:    cfg.Token,
		groupID:  cfg.GroupID,
		version:  cfg.APIVersion,
		maxRunes: cfg.MaxMessageRunes,
		client:   &http.Client{Timeout: 2 * time.Minute},
		// VK allows three calls per second per token.
		limiter: rate.NewLimiter(rate.Every(350*time.Millisecond), 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Internal structures
type vkError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

type vkResponse struct {
	Response json.RawMessage `json:"response"`
	Error    *vkError        `json:"error"`
}

type uploadServer struct {
	UploadURL string `json:"upload_url"`
}

type photoUpload struct {
	Server int    `json:"server"`
	Photo  string `json:"photo"`
	Hash   string `json:"hash"`
}

type savedPhoto struct {
	ID      int64 `json:"id"`
	OwnerID int64 `json:"owner_id"`
}

type videoSlot struct {
	UploadURL string `json:"upload_url"`
	VideoID   int64  `json:"video_id"`
	OwnerID   int64  `json:"owner_id"`
}

type wallPost struct {
	PostID int64 `json:"post_id"`
}

// Publish uploads the post's media, if any, and creates a wall post. The text
// is cut to the configured rune budget. Every failure wraps models.ErrSink.
func (c *Client) Publish(ctx context.Context, post models.SocialPost) (string, error) {
	var attachments []string
	if post.MediaPath != "" {
		var (
			att string
			err error
		)
		switch post.MediaKind {
		case models.KindPhoto:
			att, err = c.uploadPhoto(ctx, post.MediaPath)
		case models.KindVideo:
			att, err = c.uploadVideo(ctx, post.MediaPath, post.Caption)
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", models.ErrSink, err)
		}
		if att != "" {
			attachments = append(attachments, att)
		}
	}

	message := post.Message()
	if message == "" {
		message = defaultMessage
	}
	message, _ = util.TruncateRunes(message, c.maxRunes)

	form := url.Values{}
	form.Set("owner_id", "-"+c.groupID)
	form.Set("from_group", "1")
	form.Set("message", message)
	if len(attachments) > 0 {
		form.Set("attachments", strings.Join(attachments, ","))
	}

	var res wallPost
	if err := c.method(ctx, "wall.post", form, &res); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrSink, err)
	}
	slog.Info("Posted to VK", "key", post.Key, "post_id", res.PostID)
	return fmt.Sprintf("wall-%s_%d", c.groupID, res.PostID), nil
}

func (c *Client) uploadPhoto(ctx context.Context, path string) (string, error) {
	form := url.Values{}
	form.Set("group_id", c.groupID)

	var server uploadServer
	if err := c.method(ctx, "photos.getWallUploadServer", form, &server); err != nil {
		return "", err
	}

	var up photoUpload
	if err := c.upload(ctx, server.UploadURL, "photo", path, &up); err != nil {
		return "", err
	}

	form = url.Values{}
	form.Set("group_id", c.groupID)
	form.Set("photo", up.Photo)
	form.Set("server", fmt.Sprint(up.Server))
	form.Set("hash", up.Hash)

	var saved []savedPhoto
	if err := c.method(ctx, "photos.saveWallPhoto", form, &saved); err != nil {
		return "", err
	}
	if len(saved) == 0 {
		return "", fmt.Errorf("photos.saveWallPhoto returned no photo")
	}
	return fmt.Sprintf("photo%d_%d", saved[0].OwnerID, saved[0].ID), nil
}

func (c *Client) uploadVideo(ctx context.Context, path, caption string) (string, error) {
	name, _ := util.TruncateRunes(caption, videoNameRunes)
	if name == "" {
		name = defaultMessage
	}
	form := url.Values{}
	form.Set("group_id", c.groupID)
	form.Set("name", name)

	var slot videoSlot
	if err := c.method(ctx, "video.save", form, &slot); err != nil {
		return "", err
	}
	if err := c.upload(ctx, slot.UploadURL, "video_file", path, nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("video%d_%d", slot.OwnerID, slot.VideoID), nil
}

func (c *Client) method(ctx context.Context, name string, form url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	form.Set("access_token", c.token)
	form.Set("v", c.version)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vk %s status: %s, body: %s", name, resp.Status, string(bodyBytes))
	}

	var r vkResponse
	if err := json.Unmarshal(bodyBytes, &r); err != nil {
		return fmt.Errorf("vk %s: %w", name, err)
	}
	if r.Error != nil {
		return fmt.Errorf("vk %s error %d: %s", name, r.Error.Code, r.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(r.Response, out)
}

func (c *Client) upload(ctx context.Context, uploadURL, field, path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decoding upload response: %w", err)
	}
	return nil
}
