package ledger

import (
	"errors"
	"testing"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountValue(t *testing.T) {
	// The aggregation result arrives either as int64 or as a *firestorepb.Value
	// depending on the client version; both must be accepted.
	tests := []struct {
		name     string
		value    interface{}
		wantInt  int64
		wantFail bool
	}{
		{
			name:    "int64 direct",
			value:   int64(42),
			wantInt: 42,
		},
		{
			name: "firestorepb.Value integer",
			value: &firestorepb.Value{
				ValueType: &firestorepb.Value_IntegerValue{IntegerValue: 100},
			},
			wantInt: 100,
		},
		{
			name:     "unexpected type",
			value:    "not a number",
			wantFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := countValue(tt.value)
			if tt.wantFail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInt, got)
		})
	}
}

type fakeJob struct {
	err error
}

func (j fakeJob) Results() (*firestore.WriteResult, error) {
	if j.err != nil {
		return nil, j.err
	}
	return &firestore.WriteResult{}, nil
}

func TestWriteErrors(t *testing.T) {
	denied := errors.New("permission denied")

	t.Run("all written", func(t *testing.T) {
		err := writeErrors(pendingCollection, []queuedWrite{
			{id: "a", job: fakeJob{}},
			{id: "b", job: fakeJob{}},
		})
		assert.NoError(t, err)
	})

	t.Run("rejected write surfaces", func(t *testing.T) {
		err := writeErrors(pendingCollection, []queuedWrite{
			{id: "a", job: fakeJob{}},
			{id: "b", job: fakeJob{err: denied}},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, denied)
		assert.Contains(t, err.Error(), "pending_social/b")
		assert.Contains(t, err.Error(), "failed 1 of 2 writes")
	})

	t.Run("nothing queued", func(t *testing.T) {
		assert.NoError(t, writeErrors(fragmentsCollection, nil))
	})
}
