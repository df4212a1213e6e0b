package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdf-watcher/internal/state"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, state.ErrNotFound)

	payload := []byte(`{"status":"processing"}`)
	require.NoError(t, s.Save(ctx, payload))
	payload[0] = 'x'

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"status":"processing"}`, string(got))

	require.NoError(t, s.Delete(ctx))
	_, err = s.Load(ctx)
	require.ErrorIs(t, err, state.ErrNotFound)
}
