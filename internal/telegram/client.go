// Package telegram reads channel posts through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/models"
	"github.com/pauljones0/tg-site-mirror/internal/util"
)

type Client struct {
	baseURL string
	token   string
	channel string
	limit   int
	client  *http.Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.client = c } }

func WithLimiter(l *rate.Limiter) Option { return func(cl *Client) { cl.limiter = l } }

// WithRetries sets how often a failed API call is retried and the first delay.
func WithRetries(n int, backoff time.Duration) Option {
	return func(cl *Client) {
		cl.retries = n
		cl.backoff = backoff
	}
}

func New(cfg config.TelegramConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		token:   cfg.Token,
		channel: strings.TrimPrefix(cfg.Channel, "@"),
		limit:   cfg.FetchLimit,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		retries: 2,
		backoff: time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Internal structures
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type update struct {
	UpdateID    int64    `json:"update_id"`
	ChannelPost *message `json:"channel_post"`
}

type chat struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type photoSize struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type video struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
}

type message struct {
	MessageID    int64       `json:"message_id"`
	Chat         chat        `json:"chat"`
	Date         int64       `json:"date"`
	Text         string      `json:"text"`
	Caption      string      `json:"caption"`
	MediaGroupID string      `json:"media_group_id"`
	Photo        []photoSize `json:"photo"`
	Video        *video      `json:"video"`
}

type file struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// FetchPosts returns the newest channel posts still held by the Bot API,
// oldest first. Updates are not confirmed, so the same posts come back on the
// next call until Telegram expires them; deduplication is the caller's job.
// Any failure to reach the API wraps models.ErrSourceUnavailable.
func (c *Client) FetchPosts(ctx context.Context) ([]models.Post, error) {
	q := url.Values{}
	q.Set("allowed_updates", `["channel_post"]`)

	var updates []update
	if err := c.call(ctx, "getUpdates", q, &updates); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSourceUnavailable, err)
	}

	var msgs []message
	for _, u := range updates {
		if u.ChannelPost == nil || !strings.EqualFold(u.ChannelPost.Chat.Username, c.channel) {
			continue
		}
		msgs = append(msgs, *u.ChannelPost)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].MessageID < msgs[j].MessageID })
	if c.limit > 0 && len(msgs) > c.limit {
		msgs = msgs[len(msgs)-c.limit:]
	}

	posts := make([]models.Post, 0, len(msgs))
	for _, m := range msgs {
		posts = append(posts, toPost(m))
	}
	slog.Debug("Fetched channel posts", "channel", c.channel, "updates", len(updates), "posts", len(posts))
	return posts, nil
}

func toPost(m message) models.Post {
	p := models.Post{
		ID:         strconv.FormatInt(m.MessageID, 10),
		GroupID:    m.MediaGroupID,
		Timestamp:  time.Unix(m.Date, 0),
		RawCaption: m.Caption,
		RawBody:    m.Text,
		Kind:       models.KindText,
	}
	switch {
	case len(m.Photo) > 0:
		// Sizes are listed smallest first.
		best := m.Photo[len(m.Photo)-1]
		p.Kind = models.KindPhoto
		p.Media = &models.Media{FileID: best.FileID, Size: best.FileSize}
	case m.Video != nil:
		p.Kind = models.KindVideo
		p.Media = &models.Media{FileID: m.Video.FileID, Size: m.Video.FileSize}
	}
	return p
}

// FileURL resolves a file id to a download URL.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	q := url.Values{}
	q.Set("file_id", fileID)

	var f file
	if err := c.call(ctx, "getFile", q, &f); err != nil {
		return "", err
	}
	if f.FilePath == "" {
		return "", fmt.Errorf("getFile %s: empty file path", fileID)
	}
	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, f.FilePath), nil
}

func (c *Client) call(ctx context.Context, method string, q url.Values, out interface{}) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s?%s", c.baseURL, c.token, method, q.Encode())
	return util.RetryWithBackoff(ctx, c.retries, c.backoff, func(attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := c.do(ctx, endpoint, out)
		if err != nil && attempt < c.retries && !errors.Is(err, util.ErrPermanent) {
			slog.Warn("Telegram call failed, retrying", "method", method, "attempt", attempt+1, "error", err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		// Do errors embed the URL, which carries the token.
		return errors.New(redact(err.Error(), c.token))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("telegram status: %s, undecodable body: %w", resp.Status, err)
	}
	if !r.OK {
		err := fmt.Errorf("telegram error %d: %s", r.ErrorCode, r.Description)
		if r.ErrorCode == http.StatusUnauthorized || r.ErrorCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", util.ErrPermanent, err)
		}
		return err
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decoding telegram result: %w", err)
	}
	return nil
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<token>")
}
