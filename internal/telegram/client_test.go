package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/models"
)

const updatesJSON = `{"ok":true,"result":[
 {"update_id":1,"channel_post":{"message_id":102,"chat":{"id":-1,"username":"newsSVOih"},"date":1717243300,"caption":"Album","media_group_id":"g1","photo":[{"file_id":"small","file_size":10},{"file_id":"large","file_size":900}]}},
 {"update_id":2,"channel_post":{"message_id":100,"chat":{"id":-1,"username":"newsSVOih"},"date":1717243200,"text":"Breaking news"}},
 {"update_id":3,"channel_post":{"message_id":7,"chat":{"id":-2,"username":"otherChannel"},"date":1717243200,"text":"Not ours"}},
 {"update_id":4,"message":{"message_id":5}},
 {"update_id":5,"channel_post":{"message_id":103,"chat":{"id":-1,"username":"newssvoih"},"date":1717243400,"video":{"file_id":"vid","file_size":123456}}}
]}`

func newTestClient(t *testing.T, handler http.HandlerFunc, limit int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.TelegramConfig{
		Token:      "TOKEN",
		Channel:    "@newsSVOih",
		APIBaseURL: srv.URL,
		FetchLimit: limit,
	}, WithLimiter(rate.NewLimiter(rate.Inf, 1)), WithRetries(1, time.Millisecond))
}

func TestFetchPosts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getUpdates", r.URL.Path)
		assert.Equal(t, `["channel_post"]`, r.URL.Query().Get("allowed_updates"))
		_, _ = w.Write([]byte(updatesJSON))
	}, 15)

	posts, err := c.FetchPosts(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 3)

	assert.Equal(t, "100", posts[0].ID, "oldest first")
	assert.Equal(t, models.KindText, posts[0].Kind)
	assert.Equal(t, "Breaking news", posts[0].RawBody)
	assert.True(t, posts[0].Timestamp.Equal(time.Unix(1717243200, 0)))

	assert.Equal(t, "102", posts[1].ID)
	assert.Equal(t, "g1", posts[1].GroupID)
	assert.Equal(t, models.KindPhoto, posts[1].Kind)
	require.NotNil(t, posts[1].Media)
	assert.Equal(t, "large", posts[1].Media.FileID, "largest photo size is used")

	assert.Equal(t, models.KindVideo, posts[2].Kind)
	assert.Equal(t, int64(123456), posts[2].Media.Size)
}

func TestFetchPosts_Limit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(updatesJSON))
	}, 2)

	posts, err := c.FetchPosts(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "102", posts[0].ID, "only the newest posts are kept")
	assert.Equal(t, "103", posts[1].ID)
}

func TestFetchPosts_Unavailable(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}, 15)

	_, err := c.FetchPosts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSourceUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one retry")
}

func TestFetchPosts_UnauthorizedIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}, 15)

	_, err := c.FetchPosts(context.Background())
	assert.True(t, errors.Is(err, models.ErrSourceUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFileURL(t *testing.T) {
	var base string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getFile", r.URL.Path)
		assert.Equal(t, "large", r.URL.Query().Get("file_id"))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"file_id":"large","file_path":"photos/file_1.jpg"}}`))
	}, 15)
	base = c.baseURL

	u, err := c.FileURL(context.Background(), "large")
	require.NoError(t, err)
	assert.Equal(t, base+"/file/botTOKEN/photos/file_1.jpg", u)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "Get https://api/bot<token>/getUpdates", redact("Get https://api/botSECRET/getUpdates", "SECRET"))
	assert.Equal(t, "unchanged", redact("unchanged", ""))
}
