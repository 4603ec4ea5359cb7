package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

var (
	ingestionBucket = []byte("ingestion_keys")
	renderBucket    = []byte("render_hashes")
	socialBucket    = []byte("social_keys")
	fragmentsBucket = []byte("fragments")
	pendingBucket   = []byte("pending_social")

	allBuckets = [][]byte{ingestionBucket, renderBucket, socialBucket, fragmentsBucket, pendingBucket}
)

var present = []byte{1}

// BoltLedger stores the ledger in a single bbolt file. The file lock it holds
// while open keeps two runs from interleaving.
type BoltLedger struct {
	db   *bolt.DB
	path string
}

// OpenBolt opens or creates the ledger file. A file bbolt cannot read is
// moved aside and replaced with an empty ledger.
func OpenBolt(path string) (*BoltLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}

	db, err := openBolt(path)
	if isCorrupt(err) {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		slog.Warn("Ledger is corrupt, starting from an empty one", "path", path, "moved_to", aside, "error", err)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("%w: moving aside: %v", models.ErrLedgerCorrupt, rerr)
		}
		db, err = openBolt(path)
	}
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("ledger %s is held by another run: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if err := ensureBuckets(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltLedger{db: db, path: path}, nil
}

// ensureBuckets creates missing buckets. It only writes when one is missing,
// so opening an intact ledger leaves the file untouched.
func ensureBuckets(db *bolt.DB) error {
	complete := true
	_ = db.View(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if tx.Bucket(b) == nil {
				complete = false
			}
		}
		return nil
	})
	if complete {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func openBolt(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
}

func isCorrupt(err error) bool {
	return errors.Is(err, bolt.ErrInvalid) ||
		errors.Is(err, bolt.ErrChecksum) ||
		errors.Is(err, bolt.ErrVersionMismatch)
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}

// Load reads the whole ledger. Undecodable records are dropped with a warning.
func (l *BoltLedger) Load(_ context.Context) (*State, error) {
	s := NewState()
	err := l.db.View(func(tx *bolt.Tx) error {
		sets := []struct {
			bucket []byte
			set    *keySet
		}{
			{ingestionBucket, &s.ingestion},
			{renderBucket, &s.render},
			{socialBucket, &s.social},
		}
		for _, st := range sets {
			err := tx.Bucket(st.bucket).ForEach(func(k, _ []byte) error {
				st.set.load(string(k))
				return nil
			})
			if err != nil {
				return err
			}
		}

		err := tx.Bucket(fragmentsBucket).ForEach(func(k, v []byte) error {
			var m models.FragmentMeta
			if err := json.Unmarshal(v, &m); err != nil {
				slog.Warn("Dropping unreadable fragment record", "id", string(k), "error", fmt.Errorf("%w: %v", models.ErrLedgerCorrupt, err))
				return nil
			}
			s.fragments[string(k)] = m
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var p models.SocialPost
			if err := json.Unmarshal(v, &p); err != nil {
				slog.Warn("Dropping unreadable pending forward", "key", string(k), "error", fmt.Errorf("%w: %v", models.ErrLedgerCorrupt, err))
				return nil
			}
			s.pending[string(k)] = p
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	return s, nil
}

// Save writes a dirty state back in one transaction. Key sets only grow;
// fragment records and pending forwards are replaced wholesale.
func (l *BoltLedger) Save(_ context.Context, s *State) error {
	if !s.Dirty() {
		return nil
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		sets := []struct {
			bucket []byte
			keys   []string
		}{
			{ingestionBucket, s.ingestion.added},
			{renderBucket, s.render.added},
			{socialBucket, s.social.added},
		}
		for _, st := range sets {
			b := tx.Bucket(st.bucket)
			for _, k := range st.keys {
				if err := b.Put([]byte(k), present); err != nil {
					return err
				}
			}
		}

		b, err := recreate(tx, fragmentsBucket)
		if err != nil {
			return err
		}
		for id, m := range s.fragments {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}

		b, err = recreate(tx, pendingBucket)
		if err != nil {
			return err
		}
		for key, p := range s.pending {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving ledger: %w", err)
	}

	s.ingestion.added = nil
	s.render.added = nil
	s.social.added = nil
	s.dirty = false
	return nil
}

func (l *BoltLedger) Reset(_ context.Context, social bool) error {
	buckets := [][]byte{ingestionBucket, renderBucket, fragmentsBucket}
	if social {
		buckets = append(buckets, socialBucket, pendingBucket)
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := recreate(tx, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resetting ledger: %w", err)
	}
	return nil
}

func recreate(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return nil, fmt.Errorf("clearing bucket %s: %w", name, err)
	}
	return tx.CreateBucket(name)
}

func (l *BoltLedger) Stats(_ context.Context) (Stats, error) {
	var st Stats
	err := l.db.View(func(tx *bolt.Tx) error {
		st.IngestionKeys = tx.Bucket(ingestionBucket).Stats().KeyN
		st.RenderHashes = tx.Bucket(renderBucket).Stats().KeyN
		st.SocialKeys = tx.Bucket(socialBucket).Stats().KeyN
		st.Fragments = tx.Bucket(fragmentsBucket).Stats().KeyN
		st.PendingSocial = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reading ledger stats: %w", err)
	}
	return st, nil
}
