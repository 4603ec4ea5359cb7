// Package ledger persists what earlier runs did: seen ingestion keys, render
// hashes, social forwards, the sidecar record of every live fragment and the
// social forwards still waiting for a retry.
package ledger

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/pauljones0/tg-site-mirror/internal/config"
	"github.com/pauljones0/tg-site-mirror/internal/models"
)

// Ledger loads state fully at the start of a run and writes it back at the end.
type Ledger interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
	// Reset clears ingestion keys, render hashes and fragment records. With
	// social set it also clears social keys and pending forwards.
	Reset(ctx context.Context, social bool) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open returns the backend selected in configuration.
func Open(ctx context.Context, cfg config.LedgerConfig) (Ledger, error) {
	switch cfg.Backend {
	case "bolt", "":
		return OpenBolt(cfg.Path)
	case "firestore":
		return NewFirestore(ctx, cfg.ProjectID)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

type keySet struct {
	all   map[string]bool
	added []string
}

func newKeySet() keySet {
	return keySet{all: make(map[string]bool)}
}

func (k *keySet) load(key string) {
	k.all[key] = true
}

func (k *keySet) add(key string) bool {
	if k.all[key] {
		return false
	}
	k.all[key] = true
	k.added = append(k.added, key)
	return true
}

// State is the in-memory ledger for one run.
type State struct {
	ingestion keySet
	render    keySet
	social    keySet
	fragments map[string]models.FragmentMeta
	pending   map[string]models.SocialPost
	dirty     bool
}

func NewState() *State {
	return &State{
		ingestion: newKeySet(),
		render:    newKeySet(),
		social:    newKeySet(),
		fragments: make(map[string]models.FragmentMeta),
		pending:   make(map[string]models.SocialPost),
	}
}

func (s *State) Ingested(key string) bool   { return s.ingestion.all[key] }
func (s *State) HasRender(hash string) bool { return s.render.all[hash] }
func (s *State) Forwarded(key string) bool  { return s.social.all[key] }

func (s *State) MarkIngested(key string) {
	if s.ingestion.add(key) {
		s.dirty = true
	}
}

func (s *State) AddRender(hash string) {
	if s.render.add(hash) {
		s.dirty = true
	}
}

func (s *State) MarkForwarded(key string) {
	if s.social.add(key) {
		s.dirty = true
	}
	s.DropPending(key)
}

// Fragments returns a copy of the sidecar records keyed by fragment id.
func (s *State) Fragments() map[string]models.FragmentMeta {
	return maps.Clone(s.fragments)
}

// SetFragments replaces the sidecar records with the live feed's.
func (s *State) SetFragments(m map[string]models.FragmentMeta) {
	if reflect.DeepEqual(s.fragments, m) {
		return
	}
	s.fragments = maps.Clone(m)
	if s.fragments == nil {
		s.fragments = make(map[string]models.FragmentMeta)
	}
	s.dirty = true
}

// Pending returns the social forwards still to send in publishing order:
// urgent posts first, then oldest first. Key breaks ties.
func (s *State) Pending() []models.SocialPost {
	out := slices.Collect(maps.Values(s.pending))
	slices.SortFunc(out, comparePending)
	return out
}

func comparePending(a, b models.SocialPost) int {
	if a.Urgent != b.Urgent {
		if a.Urgent {
			return -1
		}
		return 1
	}
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.Key, b.Key)
}

func (s *State) AddPending(p models.SocialPost) {
	if old, ok := s.pending[p.Key]; ok && reflect.DeepEqual(old, p) {
		return
	}
	s.pending[p.Key] = p
	s.dirty = true
}

func (s *State) DropPending(key string) {
	if _, ok := s.pending[key]; ok {
		delete(s.pending, key)
		s.dirty = true
	}
}

// Dirty reports whether anything changed since the state was loaded.
func (s *State) Dirty() bool { return s.dirty }

// Stats counts the entries in each part of the ledger.
type Stats struct {
	IngestionKeys int
	RenderHashes  int
	SocialKeys    int
	Fragments     int
	PendingSocial int
}

func (s *State) Stats() Stats {
	return Stats{
		IngestionKeys: len(s.ingestion.all),
		RenderHashes:  len(s.render.all),
		SocialKeys:    len(s.social.all),
		Fragments:     len(s.fragments),
		PendingSocial: len(s.pending),
	}
}
