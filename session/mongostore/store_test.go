package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelevm/stele/session"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.ErrorContains(t, err, "client is required")
}

func TestSessionDocRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &session.Session{
		ID:             "sess-1",
		ContractID:     "contract-1",
		ResourceHandle: "res-1",
		Context:        session.NewContext(map[string]any{"foo": "bar"}),
		GasLimit:       1000,
		GasConsumed:    42,
		Status:         session.StatusRunning,
		CurrentBlockID: "block-2",
		History: []session.HistoryEvent{
			{Kind: session.HistoryBlockStarted, BlockID: "block-1", Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	doc := toDoc(sess)
	assert.Equal(t, sess.ID, doc.SessionID)
	assert.Equal(t, sess.Context.Raw(), doc.Context)

	restored := fromDoc(doc)
	assert.Equal(t, sess.ID, restored.ID)
	assert.Equal(t, sess.GasConsumed, restored.GasConsumed)
	assert.Equal(t, sess.Status, restored.Status)
	assert.Equal(t, sess.CurrentBlockID, restored.CurrentBlockID)
	v, ok := restored.Context.Get([]string{"foo"})
	require.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestCheckpointDocFields(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := checkpointDoc{
		SessionID:    "sess-1",
		CheckpointID: "cp-1",
		Context:      map[string]any{"x": float64(1)},
		CurrentBlock: "block-1",
		GasConsumed:  7,
		CreatedAt:    now,
	}
	assert.Equal(t, "sess-1", doc.SessionID)
	assert.Equal(t, "cp-1", doc.CheckpointID)
}
