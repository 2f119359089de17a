package memory

import (
	"context"
	"testing"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallLogFiltersByUser(t *testing.T) {
	l := NewCallLog(0)
	ctx := context.Background()

	require.NoError(t, l.Save(ctx, domain.CallRecord{SessionID: "a", LocalUserID: 1, RemoteUserID: 2}))
	require.NoError(t, l.Save(ctx, domain.CallRecord{SessionID: "b", LocalUserID: 3, RemoteUserID: 4}))
	require.NoError(t, l.Save(ctx, domain.CallRecord{SessionID: "c", LocalUserID: 2, RemoteUserID: 1}))

	got, err := l.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.SessionID("a"), got[0].SessionID)
	assert.Equal(t, domain.SessionID("c"), got[1].SessionID)

	got, err = l.List(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCallLogLimit(t *testing.T) {
	l := NewCallLog(2)
	ctx := context.Background()
	for _, id := range []domain.SessionID{"a", "b", "c"} {
		require.NoError(t, l.Save(ctx, domain.CallRecord{SessionID: id, LocalUserID: 1}))
	}

	got, err := l.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.SessionID("b"), got[0].SessionID)
	assert.Equal(t, domain.SessionID("c"), got[1].SessionID)
}
