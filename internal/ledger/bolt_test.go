package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

func openTestLedger(t *testing.T, path string) *BoltLedger {
	t.Helper()
	l, err := OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestBoltLedger_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "ledger.db")
	l := openTestLedger(t, path)

	s, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, s.Stats())

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.MarkIngested("100")
	s.AddRender("hash-100")
	s.MarkForwarded("social-100")
	s.SetFragments(map[string]models.FragmentMeta{
		"post-100": {ID: "post-100", IngestionKey: "100", Timestamp: ts, RenderHash: "hash-100", MediaFiles: []string{"/media/photos/a.jpg"}},
	})
	s.AddPending(models.SocialPost{Key: "social-101", Caption: "Retry me", FragmentID: "post-101", Timestamp: ts, Urgent: true})
	require.True(t, s.Dirty())
	require.NoError(t, l.Save(ctx, s))
	assert.False(t, s.Dirty())
	require.NoError(t, l.Close())

	l = openTestLedger(t, path)
	got, err := l.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.Ingested("100"))
	assert.True(t, got.HasRender("hash-100"))
	assert.True(t, got.Forwarded("social-100"))
	assert.False(t, got.Ingested("101"))

	meta := got.Fragments()["post-100"]
	assert.True(t, meta.Timestamp.Equal(ts))
	assert.Equal(t, []string{"/media/photos/a.jpg"}, meta.MediaFiles)

	pending := got.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Retry me", pending[0].Caption)
	assert.True(t, pending[0].Timestamp.Equal(ts))
	assert.True(t, pending[0].Urgent)
	assert.False(t, got.Dirty())

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{IngestionKeys: 1, RenderHashes: 1, SocialKeys: 1, Fragments: 1, PendingSocial: 1}, st)
	assert.Equal(t, st, got.Stats())
}

func TestBoltLedger_CleanSaveLeavesFileUntouched(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openTestLedger(t, path)

	s, err := l.Load(ctx)
	require.NoError(t, err)
	s.MarkIngested("1")
	require.NoError(t, l.Save(ctx, s))
	require.NoError(t, l.Close())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	l = openTestLedger(t, path)
	s, err = l.Load(ctx)
	require.NoError(t, err)
	s.MarkIngested("1")
	s.SetFragments(map[string]models.FragmentMeta{})
	assert.False(t, s.Dirty(), "re-adding known state is not a change")
	require.NoError(t, l.Save(ctx, s))
	require.NoError(t, l.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBoltLedger_CorruptFileResets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a bolt database"), 0o600))

	l := openTestLedger(t, path)
	s, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, s.Stats())

	matches, err := filepath.Glob(filepath.Join(dir, "ledger.db.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "the unreadable file is kept aside")
}

func TestBoltLedger_UnreadableRecordDropped(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openTestLedger(t, path)

	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fragmentsBucket).Put([]byte("post-1"), []byte("{not json"))
	})
	require.NoError(t, err)

	s, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Fragments())
}

func TestBoltLedger_Reset(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	seed := func() {
		s, err := l.Load(ctx)
		require.NoError(t, err)
		s.MarkIngested("1")
		s.AddRender("h")
		s.MarkForwarded("s")
		s.AddPending(models.SocialPost{Key: "p"})
		s.SetFragments(map[string]models.FragmentMeta{"post-1": {ID: "post-1"}})
		require.NoError(t, l.Save(ctx, s))
	}

	seed()
	require.NoError(t, l.Reset(ctx, false))
	s, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{SocialKeys: 1, PendingSocial: 1}, s.Stats(), "social state survives a plain reset")

	seed()
	require.NoError(t, l.Reset(ctx, true))
	s, err = l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestBoltLedger_SecondOpenTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	openTestLedger(t, path)

	_, err := OpenBolt(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bolt.ErrTimeout))
}

func TestState_PendingOrder(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewState()
	s.AddPending(models.SocialPost{Key: "f3", Timestamp: base.Add(3 * time.Minute)})
	s.AddPending(models.SocialPost{Key: "a1", Timestamp: base.Add(1 * time.Minute)})
	s.AddPending(models.SocialPost{Key: "u5", Timestamp: base.Add(5 * time.Minute), Urgent: true})
	s.AddPending(models.SocialPost{Key: "c2", Timestamp: base.Add(2 * time.Minute)})
	s.AddPending(models.SocialPost{Key: "u4", Timestamp: base.Add(4 * time.Minute), Urgent: true})
	s.AddPending(models.SocialPost{Key: "b2", Timestamp: base.Add(2 * time.Minute)})

	var keys []string
	for _, p := range s.Pending() {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"u4", "u5", "a1", "b2", "c2", "f3"}, keys)
}

func TestState_PendingClearedOnForward(t *testing.T) {
	s := NewState()
	s.AddPending(models.SocialPost{Key: "b"})
	s.AddPending(models.SocialPost{Key: "a"})

	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Key, "equal timestamps fall back to key order")

	s.MarkForwarded("a")
	assert.Len(t, s.Pending(), 1)
	assert.True(t, s.Forwarded("a"))

	s.DropPending("b")
	assert.Empty(t, s.Pending())
}
