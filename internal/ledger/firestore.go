package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

const (
	ingestionCollection = "ingestion_keys"
	renderCollection    = "render_hashes"
	socialCollection    = "social_keys"
	fragmentsCollection = "fragments"
	pendingCollection   = "pending_social"
)

// keyDoc is the body of a key-set document; the document id is the key.
type keyDoc struct {
	Key string `firestore:"key"`
}

// FirestoreLedger keeps the ledger in Firestore collections, one document per
// entry. It does not serialize concurrent runs; callers must.
type FirestoreLedger struct {
	client *firestore.Client
}

func NewFirestore(ctx context.Context, projectID string) (*FirestoreLedger, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &FirestoreLedger{client: client}, nil
}

func (c *FirestoreLedger) Close() error {
	return c.client.Close()
}

func (c *FirestoreLedger) Load(ctx context.Context) (*State, error) {
	s := NewState()

	sets := []struct {
		collection string
		set        *keySet
	}{
		{ingestionCollection, &s.ingestion},
		{renderCollection, &s.render},
		{socialCollection, &s.social},
	}
	for _, st := range sets {
		err := c.each(ctx, st.collection, func(doc *firestore.DocumentSnapshot) {
			st.set.load(doc.Ref.ID)
		})
		if err != nil {
			return nil, err
		}
	}

	err := c.each(ctx, fragmentsCollection, func(doc *firestore.DocumentSnapshot) {
		var m models.FragmentMeta
		if err := doc.DataTo(&m); err != nil {
			slog.Warn("Dropping unreadable fragment record", "id", doc.Ref.ID, "error", fmt.Errorf("%w: %v", models.ErrLedgerCorrupt, err))
			return
		}
		s.fragments[doc.Ref.ID] = m
	})
	if err != nil {
		return nil, err
	}

	err = c.each(ctx, pendingCollection, func(doc *firestore.DocumentSnapshot) {
		var p models.SocialPost
		if err := doc.DataTo(&p); err != nil {
			slog.Warn("Dropping unreadable pending forward", "key", doc.Ref.ID, "error", fmt.Errorf("%w: %v", models.ErrLedgerCorrupt, err))
			return
		}
		s.pending[doc.Ref.ID] = p
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *FirestoreLedger) each(ctx context.Context, collection string, fn func(*firestore.DocumentSnapshot)) error {
	iter := c.client.Collection(collection).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to iterate %s: %w", collection, err)
		}
		fn(doc)
	}
}

// Save writes new keys with Create, so a key another run already stored is
// left alone, and replaces fragment records and pending forwards.
func (c *FirestoreLedger) Save(ctx context.Context, s *State) error {
	if !s.Dirty() {
		return nil
	}

	sets := []struct {
		collection string
		keys       []string
	}{
		{ingestionCollection, s.ingestion.added},
		{renderCollection, s.render.added},
		{socialCollection, s.social.added},
	}
	for _, st := range sets {
		for _, k := range st.keys {
			_, err := c.client.Collection(st.collection).Doc(k).Create(ctx, keyDoc{Key: k})
			if err != nil && status.Code(err) != codes.AlreadyExists {
				return fmt.Errorf("failed to store %s key %s: %w", st.collection, k, err)
			}
		}
	}

	fragments := make(map[string]interface{}, len(s.fragments))
	for id, m := range s.fragments {
		fragments[id] = m
	}
	if err := c.replace(ctx, fragmentsCollection, fragments); err != nil {
		return err
	}

	pending := make(map[string]interface{}, len(s.pending))
	for key, p := range s.pending {
		pending[key] = p
	}
	if err := c.replace(ctx, pendingCollection, pending); err != nil {
		return err
	}

	s.ingestion.added = nil
	s.render.added = nil
	s.social.added = nil
	s.dirty = false
	return nil
}

// writeJob is the part of *firestore.BulkWriterJob that reports the outcome
// of a queued write.
type writeJob interface {
	Results() (*firestore.WriteResult, error)
}

type queuedWrite struct {
	id  string
	job writeJob
}

// replace makes the collection hold exactly docs: documents not in docs are
// deleted and the rest are overwritten. It fails if any write failed.
func (c *FirestoreLedger) replace(ctx context.Context, collection string, docs map[string]interface{}) error {
	col := c.client.Collection(collection)
	bw := c.client.BulkWriter(ctx)
	defer bw.End()

	var queued []queuedWrite
	iter := col.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to iterate %s: %w", collection, err)
		}
		if _, ok := docs[doc.Ref.ID]; ok {
			continue
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			return fmt.Errorf("failed to queue delete of %s/%s: %w", collection, doc.Ref.ID, err)
		}
		queued = append(queued, queuedWrite{id: doc.Ref.ID, job: job})
	}

	for id, d := range docs {
		job, err := bw.Set(col.Doc(id), d)
		if err != nil {
			return fmt.Errorf("failed to queue write of %s/%s: %w", collection, id, err)
		}
		queued = append(queued, queuedWrite{id: id, job: job})
	}

	bw.Flush()
	return writeErrors(collection, queued)
}

// writeErrors collects the failures of flushed bulk writes.
func writeErrors(collection string, queued []queuedWrite) error {
	var errs []error
	for _, q := range queued {
		if _, err := q.job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", collection, q.id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed %d of %d writes to %s: %w", len(errs), len(queued), collection, errors.Join(errs...))
	}
	return nil
}

func (c *FirestoreLedger) Reset(ctx context.Context, social bool) error {
	collections := []string{ingestionCollection, renderCollection, fragmentsCollection}
	if social {
		collections = append(collections, socialCollection, pendingCollection)
	}
	for _, col := range collections {
		if err := c.replace(ctx, col, nil); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of documents in a collection using a server-side
// aggregation, without reading the documents.
func (c *FirestoreLedger) Count(ctx context.Context, collection string) (int64, error) {
	res, err := c.client.Collection(collection).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	v, ok := res["all"]
	if !ok {
		return 0, fmt.Errorf("count aggregation result for %s was invalid: 'all' key missing", collection)
	}
	return countValue(v)
}

func countValue(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case *firestorepb.Value:
		return val.GetIntegerValue(), nil
	default:
		return 0, fmt.Errorf("count aggregation result has unexpected type %T", v)
	}
}

// Stats counts each collection server-side.
func (c *FirestoreLedger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	targets := []struct {
		collection string
		dst        *int
	}{
		{ingestionCollection, &st.IngestionKeys},
		{renderCollection, &st.RenderHashes},
		{socialCollection, &st.SocialKeys},
		{fragmentsCollection, &st.Fragments},
		{pendingCollection, &st.PendingSocial},
	}
	for _, t := range targets {
		n, err := c.Count(ctx, t.collection)
		if err != nil {
			return Stats{}, err
		}
		*t.dst = int(n)
	}
	return st, nil
}
