package social

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/models"
)

type vkServer struct {
	*httptest.Server
	mu       sync.Mutex
	calls    []string
	wallForm map[string]string
	uploads  map[string]string
	failWall bool
}

func newVKServer(t *testing.T) *vkServer {
	t.Helper()
	s := &vkServer{uploads: make(map[string]string)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *vkServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r.URL.Path)

	if strings.HasPrefix(r.URL.Path, "/upload/") {
		field := strings.TrimPrefix(r.URL.Path, "/upload/")
		f, _, err := r.FormFile(field)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		s.uploads[field] = string(data)
		fmt.Fprint(w, `{"server":7,"photo":"[{\"photo\":\"x\"}]","hash":"h"}`)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("access_token") != "vk-token" || r.PostForm.Get("v") != "5.199" {
		fmt.Fprint(w, `{"error":{"error_code":5,"error_msg":"User authorization failed"}}`)
		return
	}

	switch r.URL.Path {
	case "/photos.getWallUploadServer":
		fmt.Fprintf(w, `{"response":{"upload_url":"%s/upload/photo"}}`, s.URL)
	case "/photos.saveWallPhoto":
		if r.PostForm.Get("hash") != "h" || r.PostForm.Get("server") != "7" {
			fmt.Fprint(w, `{"error":{"error_code":100,"error_msg":"bad upload"}}`)
			return
		}
		fmt.Fprint(w, `{"response":[{"id":55,"owner_id":-42}]}`)
	case "/video.save":
		fmt.Fprintf(w, `{"response":{"upload_url":"%s/upload/video_file","video_id":66,"owner_id":-42}}`, s.URL)
	case "/wall.post":
		if s.failWall {
			fmt.Fprint(w, `{"error":{"error_code":214,"error_msg":"Access to adding post denied"}}`)
			return
		}
		s.wallForm = map[string]string{
			"owner_id":    r.PostForm.Get("owner_id"),
			"from_group":  r.PostForm.Get("from_group"),
			"message":     r.PostForm.Get("message"),
			"attachments": r.PostForm.Get("attachments"),
		}
		fmt.Fprint(w, `{"response":{"post_id":1001}}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(srv *vkServer, maxRunes int) *Client {
	return New(config.VKConfig{
		Token:           "vk-token",
		GroupID:         "42",
		APIBaseURL:      srv.URL,
		APIVersion:      "5.199",
		MaxMessageRunes: maxRunes,
	}, WithLimiter(rate.NewLimiter(rate.Inf, 1)))
}

func TestPublish_TextOnly(t *testing.T) {
	srv := newVKServer(t)
	c := newTestClient(srv, 4095)

	id, err := c.Publish(context.Background(), models.SocialPost{Key: "k", Caption: "Breaking news"})
	require.NoError(t, err)
	assert.Equal(t, "wall-42_1001", id)
	assert.Equal(t, "-42", srv.wallForm["owner_id"])
	assert.Equal(t, "1", srv.wallForm["from_group"])
	assert.Equal(t, "Breaking news", srv.wallForm["message"])
	assert.Empty(t, srv.wallForm["attachments"])
}

func TestPublish_PhotoAttachment(t *testing.T) {
	srv := newVKServer(t)
	c := newTestClient(srv, 4095)

	path := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o644))

	_, err := c.Publish(context.Background(), models.SocialPost{
		Key: "k", Caption: "Фото", Body: "Текст", MediaPath: path, MediaKind: models.KindPhoto,
	})
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", srv.uploads["photo"])
	assert.Equal(t, "photo-42_55", srv.wallForm["attachments"])
	assert.Equal(t, "Фото\n\nТекст", srv.wallForm["message"])
}

func TestPublish_VideoAttachment(t *testing.T) {
	srv := newVKServer(t)
	c := newTestClient(srv, 4095)

	path := filepath.Join(t.TempDir(), "v.mp4")
	require.NoError(t, os.WriteFile(path, []byte("mp4-bytes"), 0o644))

	_, err := c.Publish(context.Background(), models.SocialPost{Key: "k", Caption: "Видео", MediaPath: path, MediaKind: models.KindVideo})
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", srv.uploads["video_file"])
	assert.Equal(t, "video-42_66", srv.wallForm["attachments"])
}

func TestPublish_TruncatesMessage(t *testing.T) {
	srv := newVKServer(t)
	c := newTestClient(srv, 10)

	_, err := c.Publish(context.Background(), models.SocialPost{Key: "k", Caption: strings.Repeat("ж", 50)})
	require.NoError(t, err)
	assert.Equal(t, 10, utf8.RuneCountInString(srv.wallForm["message"]))
}

func TestPublish_EmptyMessageUsesDefault(t *testing.T) {
	srv := newVKServer(t)
	c := newTestClient(srv, 4095)

	_, err := c.Publish(context.Background(), models.SocialPost{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "Новость", srv.wallForm["message"])
}

func TestPublish_APIErrorIsSinkError(t *testing.T) {
	srv := newVKServer(t)
	srv.failWall = true
	c := newTestClient(srv, 4095)

	_, err := c.Publish(context.Background(), models.SocialPost{Key: "k", Caption: "x"})
	require.ErrorIs(t, err, models.ErrSink)
	assert.Contains(t, err.Error(), "214", "VK error code should be in the message")
}

func TestPublish_MissingMediaFile(t *testing.T) {
	srv := newVKServer(t)
	c := newTestClient(srv, 4095)

	_, err := c.Publish(context.Background(), models.SocialPost{
		Key: "k", Caption: "x", MediaPath: filepath.Join(t.TempDir(), "gone.jpg"), MediaKind: models.KindPhoto,
	})
	require.ErrorIs(t, err, models.ErrSink)
	assert.NotContains(t, srv.calls, "/wall.post", "wall.post must not be called when the upload fails")
}
