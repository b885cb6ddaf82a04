package esign_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/esign"
)

func TestMemoryStateStoreTakeIsSingleUse(t *testing.T) {
	store := esign.NewMemoryStateStore()
	ctx := context.Background()

	entry := domain.PKCEState{State: "state-1", CodeVerifier: "verifier-1", CreatedAt: time.Now()}
	require.NoError(t, store.Put(ctx, entry, time.Minute))

	got, err := store.Take(ctx, "state-1")
	require.NoError(t, err)
	require.Equal(t, "verifier-1", got.CodeVerifier)

	_, err = store.Take(ctx, "state-1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestMemoryStateStoreExpiry(t *testing.T) {
	now := time.Now()
	store := esign.NewMemoryStateStore().WithNow(func() time.Time { return now })
	ctx := context.Background()

	entry := domain.PKCEState{State: "state-1", CodeVerifier: "verifier-1", CreatedAt: now}
	require.NoError(t, store.Put(ctx, entry, time.Minute))

	now = now.Add(2 * time.Minute)
	_, err := store.Take(ctx, "state-1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestMemoryStateStoreUnknownState(t *testing.T) {
	store := esign.NewMemoryStateStore()

	_, err := store.Take(context.Background(), "never-issued")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}
