package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pauljones0/tg-site-mirror/internal/archive"
	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/feedstore"
	"github.com/pauljones0/tg-site-mirror/internal/fingerprint"
	"github.com/pauljones0/tg-site-mirror/internal/ledger"
	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/normalize"
	"github.com/pauljones0/tg-site-mirror/internal/render"
	"github.com/pauljones0/tg-site-mirror/internal/validator"
)

// Settings are the pipeline knobs taken from configuration.
type Settings struct {
	PublicDir    string
	SiteName     string
	Channel      string
	VisibleLimit int
	Retention    time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		PublicDir:    cfg.Site.PublicDir,
		SiteName:     cfg.Site.Name,
		Channel:      cfg.Telegram.Channel,
		VisibleLimit: cfg.Pipeline.VisibleLimit,
		Retention:    cfg.Pipeline.Retention,
	}
}

// Deps are the collaborators of a run. Sink and Syndicator may be nil.
type Deps struct {
	Source     PostSource
	Sink       SocialSink
	Renderer   FragmentRenderer
	Media      MediaStore
	Ledger     ledger.Ledger
	Normalizer *normalize.Normalizer
	Syndicator Syndicator
}

// DualPublisher publishes new channel posts to the site feed and forwards
// them to the social sink.
type DualPublisher struct {
	deps     Deps
	settings Settings
	validate *validator.Validator
	now      func() time.Time
}

type Option func(*DualPublisher)

// WithClock overrides the wall clock used for retention.
func WithClock(now func() time.Time) Option {
	return func(p *DualPublisher) { p.now = now }
}

func New(deps Deps, s Settings, opts ...Option) *DualPublisher {
	p := &DualPublisher{
		deps:     deps,
		settings: s,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// pipelineContext holds everything one run reads and mutates.
type pipelineContext struct {
	now     time.Time
	log     *slog.Logger
	state   *ledger.State
	feed    *feedstore.Store
	archive *archive.Store
	report  *models.RunReport
	seen    map[string]bool // ingestion keys handled in this run
	hashes  map[string]bool // render hashes of the live feed
	results map[string]int  // social key -> index into report.Results
}

func (pc *pipelineContext) record(key string, o models.Outcome, reason string) int {
	pc.report.Results = append(pc.report.Results, models.PostResult{Key: key, Outcome: o, Reason: reason})
	switch o {
	case models.OutcomePublished:
		pc.log.Info("Post published", "post_key", key)
	case models.OutcomeSkippedDuplicate:
		pc.log.Info("Post skipped", "post_key", key, "outcome", o, "reason", reason)
	default:
		pc.log.Warn("Post skipped", "post_key", key, "outcome", o, "reason", reason)
	}
	return len(pc.report.Results) - 1
}

type publication struct {
	fragment models.Fragment
	urgent   bool
}

// Run executes one pass: fetch, publish new posts, retire old ones, persist,
// then forward to the social sink. It fails only when the source is
// unreachable or persisted state cannot be read or written; per-post problems
// are reported in the RunReport.
func (p *DualPublisher) Run(ctx context.Context) (*models.RunReport, error) {
	runID := uuid.NewString()
	report := &models.RunReport{RunID: runID}
	log := slog.With("run_id", runID)

	posts, err := p.deps.Source.FetchPosts(ctx)
	if err != nil {
		log.Error("Source unavailable, nothing written", "error", err)
		return report, fmt.Errorf("fetching posts: %w", err)
	}
	log.Info("Fetched posts", "count", len(posts))

	pc, err := p.load(ctx, log, report)
	if err != nil {
		log.Error("Failed to load persisted state", "error", err)
		return report, err
	}

	var regular, urgent []publication
	for _, g := range groupPosts(posts) {
		pub, ok := p.process(ctx, pc, g)
		if !ok {
			continue
		}
		if pub.urgent {
			urgent = append(urgent, pub)
		} else {
			regular = append(regular, pub)
		}
	}

	// Oldest first, so the newest ends up on top; urgent posts go in last.
	for _, pub := range append(regular, urgent...) {
		pc.feed.Insert(pub.fragment)
	}

	p.retire(pc)
	p.sweepMedia(pc)
	pc.state.SetFragments(pc.feed.Meta())

	if err := p.persist(ctx, pc); err != nil {
		log.Error("Failed to persist run", "error", err)
		return report, err
	}

	p.forward(ctx, pc)
	if err := p.deps.Ledger.Save(ctx, pc.state); err != nil {
		log.Error("Failed to save ledger after forwarding", "error", err)
		return report, fmt.Errorf("saving ledger: %w", err)
	}

	report.FeedChanged = pc.feed.Changed()
	log.Info("Finished run",
		"published", report.Count(models.OutcomePublished),
		"duplicates", report.Count(models.OutcomeSkippedDuplicate),
		"render_failures", report.Count(models.OutcomeSkippedRenderFailure),
		"sink_failures", report.Count(models.OutcomeSkippedSinkFailure),
		"archived", report.Archived,
		"media_deleted", report.MediaDeleted,
		"retried_social", report.RetriedSocial,
	)
	return report, nil
}

func (p *DualPublisher) load(ctx context.Context, log *slog.Logger, report *models.RunReport) (*pipelineContext, error) {
	state, err := p.deps.Ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}

	feed := feedstore.New(p.settings.PublicDir, p.settings.VisibleLimit)
	if err := feed.Load(state.Fragments()); err != nil {
		return nil, fmt.Errorf("loading feed: %w", err)
	}

	arch := archive.New(p.settings.PublicDir, p.settings.SiteName, p.deps.Media)
	if err := arch.Load(); err != nil {
		return nil, fmt.Errorf("loading archive: %w", err)
	}

	log.Info("Loaded state", "feed", feed.Len(), "archive", arch.Len(), "pending_social", len(state.Pending()))
	return &pipelineContext{
		now:     p.now(),
		log:     log,
		state:   state,
		feed:    feed,
		archive: arch,
		report:  report,
		seen:    make(map[string]bool),
		hashes:  feed.RenderHashes(),
		results: make(map[string]int),
	}, nil
}

// groupPosts collects album messages under their ingestion key and orders the
// groups by message id, oldest first.
func groupPosts(posts []models.Post) []models.PostGroup {
	byKey := make(map[string]*models.PostGroup)
	var order []string
	for _, post := range posts {
		key := fingerprint.IngestionKey(post)
		g, ok := byKey[key]
		if !ok {
			g = &models.PostGroup{Key: key}
			byKey[key] = g
			order = append(order, key)
		}
		g.Messages = append(g.Messages, post)
	}

	groups := make([]models.PostGroup, 0, len(order))
	for _, key := range order {
		g := byKey[key]
		sort.SliceStable(g.Messages, func(i, j int) bool {
			return idLess(g.Messages[i].ID, g.Messages[j].ID)
		})
		groups = append(groups, *g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return idLess(groups[i].Lead().ID, groups[j].Lead().ID)
	})
	return groups
}

func idLess(a, b string) bool {
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return x < y
	}
	return a < b
}

func (p *DualPublisher) process(ctx context.Context, pc *pipelineContext, g models.PostGroup) (publication, bool) {
	if pc.seen[g.Key] || pc.state.Ingested(g.Key) {
		pc.log.Debug("Post already ingested", "post_key", g.Key)
		pc.report.Results = append(pc.report.Results, models.PostResult{Key: g.Key, Outcome: models.OutcomeSkippedIngested})
		return publication{}, false
	}
	pc.seen[g.Key] = true

	for _, m := range g.Messages {
		if err := p.validate.ValidatePost(m); err != nil {
			pc.state.MarkIngested(g.Key)
			pc.record(g.Key, models.OutcomeInvalid, err.Error())
			return publication{}, false
		}
	}

	content := p.deps.Normalizer.Normalize(g.Caption(), g.Body())
	hash := fingerprint.RenderHash(content, g.Key)
	lead := g.Lead()

	if pc.hashes[hash] || pc.state.HasRender(hash) || pc.feed.Has(render.FragmentID(lead.ID)) ||
		pc.archive.Contains(render.SourceLink(p.settings.Channel, lead.ID), lead.Timestamp) {
		pc.state.MarkIngested(g.Key)
		pc.record(g.Key, models.OutcomeSkippedDuplicate, "render hash already published")
		return publication{}, false
	}

	res, err := p.deps.Renderer.Render(ctx, g, content)
	if err != nil {
		// An oversize attachment stays oversize; anything else is retried next run.
		if errors.Is(err, models.ErrMediaTooLarge) {
			pc.state.MarkIngested(g.Key)
		}
		pc.record(g.Key, models.OutcomeSkippedRenderFailure, err.Error())
		return publication{}, false
	}

	frag := res.Fragment
	frag.Meta.RenderHash = hash
	pc.state.MarkIngested(g.Key)
	pc.state.AddRender(hash)
	pc.hashes[hash] = true

	idx := pc.record(g.Key, models.OutcomePublished, "")

	if p.deps.Sink != nil {
		socialKey := fingerprint.SocialKey(content, g.Key)
		if !pc.state.Forwarded(socialKey) {
			sp := models.SocialPost{
				Key:        socialKey,
				Caption:    content.Caption,
				Body:       content.Body,
				FragmentID: frag.ID,
				Timestamp:  lead.Timestamp,
				Urgent:     content.Urgent,
			}
			if res.Media != nil {
				sp.MediaPath = res.Media.LocalPath
				sp.MediaKind = res.Media.Kind
			}
			pc.state.AddPending(sp)
			pc.results[socialKey] = idx
		}
	}

	return publication{fragment: frag, urgent: content.Urgent}, true
}

// retire moves fragments past the retention window into the archive and
// drops social forwards still pending for them. A fragment that cannot be
// archived stays in the feed.
func (p *DualPublisher) retire(pc *pipelineContext) {
	cutoff := pc.now.Add(-p.settings.Retention)
	expired := pc.feed.Expired(cutoff)
	if len(expired) == 0 {
		return
	}

	gone := make(map[string]bool, len(expired))
	for _, f := range expired {
		_, added, err := pc.archive.Retire(f)
		if err != nil {
			pc.log.Warn("Failed to archive fragment, keeping it in the feed",
				"id", f.ID, "source_link", f.Meta.SourceLink, "error", err)
			continue
		}
		pc.feed.Remove(f.ID)
		gone[f.ID] = true
		if added {
			pc.report.Archived++
		}
	}
	for _, sp := range pc.state.Pending() {
		if gone[sp.FragmentID] {
			pc.log.Info("Dropping social forward for retired fragment", "key", sp.Key, "id", sp.FragmentID)
			pc.state.DropPending(sp.Key)
		}
	}
	pc.log.Info("Retired fragments", "count", len(gone), "archived", pc.report.Archived)
}

func (p *DualPublisher) sweepMedia(pc *pipelineContext) {
	keep := make(map[string]bool)
	for _, f := range pc.feed.Fragments() {
		for _, m := range f.Meta.MediaFiles {
			keep[m] = true
		}
	}
	removed, err := p.deps.Media.RemoveOlderThan(pc.now.Add(-p.settings.Retention), keep)
	if err != nil {
		pc.log.Warn("Media sweep incomplete", "error", err)
	}
	pc.report.MediaDeleted = pc.archive.MediaDeleted() + removed
}

func (p *DualPublisher) persist(ctx context.Context, pc *pipelineContext) error {
	if pc.feed.Changed() {
		if err := pc.feed.Save(); err != nil {
			return err
		}
		if p.deps.Syndicator != nil {
			if err := p.deps.Syndicator.Write(pc.feed.Fragments(), pc.now); err != nil {
				pc.log.Warn("Failed to regenerate derived outputs", "error", err)
			}
		}
	}
	if pc.archive.Changed() {
		if err := pc.archive.Save(); err != nil {
			return err
		}
	}
	if err := p.deps.Ledger.Save(ctx, pc.state); err != nil {
		return fmt.Errorf("saving ledger: %w", err)
	}
	return nil
}

// forward publishes every pending social post whose fragment is still live,
// one wall post each, urgent posts first and the rest oldest first. Failures
// stay pending for the next run.
func (p *DualPublisher) forward(ctx context.Context, pc *pipelineContext) {
	if p.deps.Sink == nil {
		return
	}
	for _, sp := range pc.state.Pending() {
		if pc.state.Forwarded(sp.Key) {
			pc.state.DropPending(sp.Key)
			continue
		}
		if !pc.feed.Has(sp.FragmentID) {
			pc.state.DropPending(sp.Key)
			continue
		}

		idx, fromThisRun := pc.results[sp.Key]
		id, err := p.deps.Sink.Publish(ctx, sp)
		if err != nil {
			pc.log.Warn("Social forward failed, will retry next run", "key", sp.Key, "error", err)
			if fromThisRun {
				pc.report.Results[idx].Outcome = models.OutcomeSkippedSinkFailure
				pc.report.Results[idx].Reason = err.Error()
			}
			continue
		}
		pc.state.MarkForwarded(sp.Key)
		if !fromThisRun {
			pc.report.RetriedSocial++
		}
		pc.log.Info("Forwarded to social sink", "key", sp.Key, "id", id)
	}
}
