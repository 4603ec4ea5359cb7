// Package media downloads post attachments into the site's media directory
// and removes them again when their fragment is retired.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

const sitePrefix = "/media/"

// FileResolver turns a source file id into a downloadable URL.
type FileResolver interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Stored is a media file saved under the public directory.
type Stored struct {
	Kind      models.ContentKind
	SitePath  string // as referenced from markup, e.g. /media/photos/ab12.jpg
	LocalPath string
}

type Fetcher struct {
	publicDir     string
	resolver      FileResolver
	client        *http.Client
	maxVideoBytes int64
}

func NewFetcher(publicDir string, resolver FileResolver, maxVideoBytes int64) *Fetcher {
	return &Fetcher{
		publicDir:     publicDir,
		resolver:      resolver,
		client:        &http.Client{Timeout: 2 * time.Minute},
		maxVideoBytes: maxVideoBytes,
	}
}

// Fetch stores the attachment locally. Videos above the size ceiling fail with
// models.ErrMediaTooLarge, download problems with models.ErrMediaFetch. A file
// already on disk is reused.
func (f *Fetcher) Fetch(ctx context.Context, kind models.ContentKind, m models.Media) (Stored, error) {
	var dir, ext string
	switch kind {
	case models.KindPhoto:
		dir, ext = "photos", ".jpg"
	case models.KindVideo:
		dir, ext = "videos", ".mp4"
		if m.Size > f.maxVideoBytes {
			return Stored{}, fmt.Errorf("%w: video %s is %d bytes", models.ErrMediaTooLarge, m.FileID, m.Size)
		}
	default:
		return Stored{}, fmt.Errorf("%w: unsupported media kind %q", models.ErrMediaFetch, kind)
	}

	sum := sha256.Sum256([]byte(m.FileID))
	name := hex.EncodeToString(sum[:16]) + ext
	stored := Stored{
		Kind:      kind,
		SitePath:  path.Join(sitePrefix, dir, name),
		LocalPath: filepath.Join(f.publicDir, "media", dir, name),
	}

	if _, err := os.Stat(stored.LocalPath); err == nil {
		return stored, nil
	}

	fileURL, err := f.resolver.FileURL(ctx, m.FileID)
	if err != nil {
		return Stored{}, fmt.Errorf("%w: resolving %s: %v", models.ErrMediaFetch, m.FileID, err)
	}

	limit := int64(-1)
	if kind == models.KindVideo {
		limit = f.maxVideoBytes
	}
	if err := f.download(ctx, fileURL, stored.LocalPath, limit); err != nil {
		return Stored{}, err
	}
	slog.Debug("Saved media", "path", stored.LocalPath)
	return stored, nil
}

func (f *Fetcher) download(ctx context.Context, fileURL, dest string, limit int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrMediaFetch, withoutURL(err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrMediaFetch, withoutURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", models.ErrMediaFetch, resp.Status)
	}
	if limit >= 0 && resp.ContentLength > limit {
		return fmt.Errorf("%w: %d bytes", models.ErrMediaTooLarge, resp.ContentLength)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMediaFetch, err)
	}
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrMediaFetch, err)
	}
	defer t.Cleanup()

	var body io.Reader = resp.Body
	if limit >= 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	n, err := io.Copy(t, body)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrMediaFetch, withoutURL(err))
	}
	if limit >= 0 && n > limit {
		return fmt.Errorf("%w: more than %d bytes", models.ErrMediaTooLarge, limit)
	}
	if err := t.Chmod(0o644); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMediaFetch, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMediaFetch, err)
	}
	return nil
}

// withoutURL drops the request URL from net/http errors. Telegram file URLs
// embed the bot token, and these errors end up in logs and run reports.
func withoutURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s request: %w", ue.Op, ue.Err)
	}
	return err
}

// LocalPath maps a site path back to the file under the public directory.
// Only paths inside /media/ are accepted.
func (f *Fetcher) LocalPath(sitePath string) (string, bool) {
	clean := path.Clean("/" + strings.TrimPrefix(sitePath, "/"))
	if !strings.HasPrefix(clean, sitePrefix) {
		return "", false
	}
	return filepath.Join(f.publicDir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), true
}

// Delete removes a media file by site path. Missing files are not an error.
func (f *Fetcher) Delete(sitePath string) error {
	local, ok := f.LocalPath(sitePath)
	if !ok {
		return nil
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", local, err)
	}
	return nil
}

// RemoveOlderThan deletes media files last modified before cutoff unless their
// site path is in keep. A failure on one file does not stop the sweep.
func (f *Fetcher) RemoveOlderThan(cutoff time.Time, keep map[string]bool) (int, error) {
	var removed int
	var errs []error
	for _, dir := range []string{"photos", "videos"} {
		root := filepath.Join(f.publicDir, "media", dir)
		entries, err := os.ReadDir(root)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !info.ModTime().Before(cutoff) || keep[sitePrefix+dir+"/"+e.Name()] {
				continue
			}
			p := filepath.Join(root, e.Name())
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
			slog.Info("Removed stale media", "path", p)
		}
	}
	return removed, errors.Join(errs...)
}
