package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowgate/workflow"
)

// baseTime is truncated to milliseconds so every backend round-trips it
var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newToken(instanceID, id string, offset time.Duration) *workflow.Token {
	return &workflow.Token{
		ID:                id,
		ProcessInstanceID: instanceID,
		ActivityID:        "task-" + id,
		ForkID:            "fork-1",
		Branch:            id,
		CreatedAt:         baseTime.Add(offset),
	}
}

func assertSameToken(t *testing.T, want, got *workflow.Token) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.ProcessInstanceID, got.ProcessInstanceID)
	assert.Equal(t, want.ActivityID, got.ActivityID)
	assert.Equal(t, want.ForkID, got.ForkID)
	assert.Equal(t, want.Branch, got.Branch)
	assert.Equal(t, want.Suspended, got.Suspended)
	assert.Equal(t, want.Done, got.Done)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %v got %v", want.CreatedAt, got.CreatedAt)
}

func tokenIDs(tokens []*workflow.Token) []string {
	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, t.ID)
	}
	return ids
}

// runStoreSuite exercises the contract every backend shares
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("SaveAndFindToken", func(t *testing.T) {
		s := newStore(t)
		tok := newToken("i1", "fork-1/a", 0)
		tok.Suspended = true
		require.NoError(t, s.SaveToken(ctx, tok))

		got, err := s.FindToken(ctx, "i1", "fork-1/a")
		require.NoError(t, err)
		assertSameToken(t, tok, got)
	})

	t.Run("FindTokenNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindToken(ctx, "i1", "missing")
		assert.ErrorIs(t, err, workflow.ErrTokenNotFound)

		require.NoError(t, s.SaveToken(ctx, newToken("i1", "a", 0)))
		_, err = s.FindToken(ctx, "i2", "a")
		assert.ErrorIs(t, err, workflow.ErrTokenNotFound)
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		s := newStore(t)
		tok := newToken("i1", "a", 0)
		tok.Suspended = true
		require.NoError(t, s.SaveToken(ctx, tok))

		tok.Suspended = false
		tok.ActivityID = "join"
		require.NoError(t, s.SaveToken(ctx, tok))

		got, err := s.FindToken(ctx, "i1", "a")
		require.NoError(t, err)
		assertSameToken(t, tok, got)

		active, err := s.FindActiveTokens(ctx, "i1")
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("FindActiveTokensSorted", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveToken(ctx, newToken("i1", "late", time.Second)))
		require.NoError(t, s.SaveToken(ctx, newToken("i1", "c", 0)))
		require.NoError(t, s.SaveToken(ctx, newToken("i1", "b", 0)))
		done := newToken("i1", "consumed", 0)
		done.Done = true
		require.NoError(t, s.SaveToken(ctx, done))
		require.NoError(t, s.SaveToken(ctx, newToken("other", "x", 0)))

		active, err := s.FindActiveTokens(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "late"}, tokenIDs(active))
	})

	t.Run("FindActiveTokensUnknownInstance", func(t *testing.T) {
		s := newStore(t)
		active, err := s.FindActiveTokens(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("MarkDone", func(t *testing.T) {
		s := newStore(t)
		a := newToken("i1", "a", 0)
		a.Suspended = true
		b := newToken("i1", "b", time.Millisecond)
		require.NoError(t, s.SaveToken(ctx, a))
		require.NoError(t, s.SaveToken(ctx, b))

		require.NoError(t, s.MarkDone(ctx, a, b))

		active, err := s.FindActiveTokens(ctx, "i1")
		require.NoError(t, err)
		assert.Empty(t, active)

		got, err := s.FindToken(ctx, "i1", "a")
		require.NoError(t, err)
		assert.True(t, got.Done)
		assert.False(t, got.Suspended)
		// 传入的 token 不被修改
		assert.False(t, a.Done)
	})

	t.Run("MarkDoneUpsertsUnknownToken", func(t *testing.T) {
		s := newStore(t)
		tok := newToken("i1", "never-saved", 0)
		require.NoError(t, s.MarkDone(ctx, tok))

		got, err := s.FindToken(ctx, "i1", "never-saved")
		require.NoError(t, err)
		assert.True(t, got.Done)

		active, err := s.FindActiveTokens(ctx, "i1")
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("MarkDoneEmpty", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.MarkDone(ctx))
	})

	t.Run("InvalidInput", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.SaveToken(ctx, nil), ErrInvalidInput)
		assert.ErrorIs(t, s.SaveToken(ctx, &workflow.Token{ID: "a"}), ErrInvalidInput)
		assert.ErrorIs(t, s.MarkDone(ctx, &workflow.Token{ProcessInstanceID: "i1"}), ErrInvalidInput)
		assert.ErrorIs(t, s.SaveSnapshot(ctx, &workflow.Snapshot{}), ErrInvalidInput)
	})

	t.Run("Snapshots", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadSnapshot(ctx, "i1")
		assert.ErrorIs(t, err, workflow.ErrSnapshotNotFound)

		snap := &workflow.Snapshot{
			ProcessInstanceID: "i1",
			GraphID:           "g1",
			Context:           []byte(`{"variables":{"k":"v"}}`),
		}
		require.NoError(t, s.SaveSnapshot(ctx, snap))

		got, err := s.LoadSnapshot(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, "g1", got.GraphID)
		assert.JSONEq(t, string(snap.Context), string(got.Context))
		assert.False(t, got.UpdatedAt.IsZero())

		snap.Context = []byte(`{"variables":{"k":"w"}}`)
		require.NoError(t, s.SaveSnapshot(ctx, snap))
		got, err = s.LoadSnapshot(ctx, "i1")
		require.NoError(t, err)
		assert.JSONEq(t, string(snap.Context), string(got.Context))

		require.NoError(t, s.DeleteSnapshot(ctx, "i1"))
		_, err = s.LoadSnapshot(ctx, "i1")
		assert.ErrorIs(t, err, workflow.ErrSnapshotNotFound)

		assert.NoError(t, s.DeleteSnapshot(ctx, "never-saved"))
	})

	t.Run("LedgerRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ledger := workflow.NewLedger(s, nil)
		end := ledger.Begin("i1")
		defer end()

		a := newToken("i1", "a", 0)
		b := newToken("i1", "b", time.Millisecond)
		ledger.Track(a)
		require.NoError(t, ledger.Record(ctx, b))

		active, err := ledger.ActiveTokens(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, tokenIDs(active))

		stored, err := s.FindActiveTokens(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, tokenIDs(stored))

		require.NoError(t, ledger.MarkDone(ctx, a, b))
		stored, err = s.FindActiveTokens(ctx, "i1")
		require.NoError(t, err)
		assert.Empty(t, stored)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
