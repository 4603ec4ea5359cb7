package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

type stubResolver struct {
	base string
	err  error
}

func (s stubResolver) FileURL(_ context.Context, fileID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.base + "/" + fileID, nil
}

func newFileServer(t *testing.T, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if strings.HasSuffix(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_Photo(t *testing.T) {
	var hits int32
	srv := newFileServer(t, "jpeg-bytes", &hits)
	dir := t.TempDir()
	f := NewFetcher(dir, stubResolver{base: srv.URL}, 100)

	stored, err := f.Fetch(context.Background(), models.KindPhoto, models.Media{FileID: "photo-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stored.SitePath, "/media/photos/"))
	assert.True(t, strings.HasSuffix(stored.SitePath, ".jpg"))
	data, err := os.ReadFile(stored.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	again, err := f.Fetch(context.Background(), models.KindPhoto, models.Media{FileID: "photo-1"})
	require.NoError(t, err)
	assert.Equal(t, stored, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "existing file is reused")
}

func TestFetch_VideoDeclaredTooLarge(t *testing.T) {
	var hits int32
	srv := newFileServer(t, "x", &hits)
	f := NewFetcher(t.TempDir(), stubResolver{base: srv.URL}, 10)

	_, err := f.Fetch(context.Background(), models.KindVideo, models.Media{FileID: "v", Size: 11})
	assert.True(t, errors.Is(err, models.ErrMediaTooLarge))
	assert.Zero(t, atomic.LoadInt32(&hits), "oversize video is never downloaded")
}

func TestFetch_VideoBodyTooLarge(t *testing.T) {
	var hits int32
	srv := newFileServer(t, strings.Repeat("v", 32), &hits)
	dir := t.TempDir()
	f := NewFetcher(dir, stubResolver{base: srv.URL}, 10)

	_, err := f.Fetch(context.Background(), models.KindVideo, models.Media{FileID: "v"})
	assert.True(t, errors.Is(err, models.ErrMediaTooLarge))

	entries, _ := os.ReadDir(filepath.Join(dir, "media", "videos"))
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".mp4"), "no partial video left behind: %s", e.Name())
	}
}

func TestFetch_Failures(t *testing.T) {
	var hits int32
	srv := newFileServer(t, "x", &hits)

	f := NewFetcher(t.TempDir(), stubResolver{base: srv.URL}, 10)
	_, err := f.Fetch(context.Background(), models.KindPhoto, models.Media{FileID: "missing"})
	assert.True(t, errors.Is(err, models.ErrMediaFetch))

	f = NewFetcher(t.TempDir(), stubResolver{err: errors.New("boom")}, 10)
	_, err = f.Fetch(context.Background(), models.KindPhoto, models.Media{FileID: "p"})
	assert.True(t, errors.Is(err, models.ErrMediaFetch))
}

func TestFetch_TransportErrorHidesToken(t *testing.T) {
	// Nothing listens on port 1.
	f := NewFetcher(t.TempDir(), stubResolver{base: "http://127.0.0.1:1/file/bot123456:SECRET-TOKEN/photos"}, 10)

	_, err := f.Fetch(context.Background(), models.KindPhoto, models.Media{FileID: "abc"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMediaFetch)
	assert.NotContains(t, err.Error(), "SECRET-TOKEN")
	assert.NotContains(t, err.Error(), "/file/bot")
}

func TestFetch_BadURLHidesToken(t *testing.T) {
	f := NewFetcher(t.TempDir(), stubResolver{base: "http://api.telegram.org/file/bot123456:SECRET-TOKEN/\x7f"}, 10)

	_, err := f.Fetch(context.Background(), models.KindPhoto, models.Media{FileID: "abc"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-TOKEN")
}

func TestDelete_Idempotent(t *testing.T) {
	var hits int32
	srv := newFileServer(t, "jpeg", &hits)
	f := NewFetcher(t.TempDir(), stubResolver{base: srv.URL}, 10)

	stored, err := f.Fetch(context.Background(), models.KindPhoto, models.Media{FileID: "p"})
	require.NoError(t, err)

	require.NoError(t, f.Delete(stored.SitePath))
	_, err = os.Stat(stored.LocalPath)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, f.Delete(stored.SitePath), "second delete is a no-op")
}

func TestLocalPath_RejectsOutsideMedia(t *testing.T) {
	f := NewFetcher("/srv/public", nil, 10)

	_, ok := f.LocalPath("/index.html")
	assert.False(t, ok)
	_, ok = f.LocalPath("/media/../news.html")
	assert.False(t, ok)

	p, ok := f.LocalPath("/media/photos/a.jpg")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/srv/public", "media", "photos", "a.jpg"), p)
}

func TestRemoveOlderThan(t *testing.T) {
	dir := t.TempDir()
	photos := filepath.Join(dir, "media", "photos")
	require.NoError(t, os.MkdirAll(photos, 0o755))

	old := filepath.Join(photos, "old.jpg")
	fresh := filepath.Join(photos, "fresh.jpg")
	live := filepath.Join(photos, "live.jpg")
	past := time.Now().Add(-72 * time.Hour)
	for _, p := range []string{old, fresh, live} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(live, past, past))

	f := NewFetcher(dir, nil, 10)
	n, err := f.RemoveOlderThan(time.Now().Add(-48*time.Hour), map[string]bool{"/media/photos/live.jpg": true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(live)
	assert.NoError(t, err)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
