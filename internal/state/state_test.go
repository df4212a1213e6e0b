package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestMarkMiniBatchCompletedSortedUnique(t *testing.T) {
	t.Parallel()

	st := &State{}
	for _, m := range []int{3, 0, 3, 1, 0} {
		st.MarkMiniBatchCompleted(2, m)
	}

	require.Equal(t, []int{0, 1, 3}, st.CompletedMiniBatches[2])
	require.True(t, st.IsMiniBatchCompleted(2, 1))
	require.False(t, st.IsMiniBatchCompleted(2, 2))
	require.False(t, st.IsMiniBatchCompleted(0, 0))
	require.Equal(t, 3, st.CompletedCount(2))
}

// TestRecordErrorEscalation cancels on the third consecutive error, not the second.
func TestRecordErrorEscalation(t *testing.T) {
	t.Parallel()

	st := &State{Status: StatusProcessing}
	require.False(t, st.RecordError("first", now))
	require.False(t, st.RecordError("second", now))
	require.Equal(t, StatusError, st.Status)
	require.Equal(t, 2, st.ErrorCount)

	require.True(t, st.RecordError("third", now))
	require.Equal(t, StatusCancelled, st.Status)
	require.Equal(t, "third", st.LastError)
}

func TestRecordErrorResetBetweenFailures(t *testing.T) {
	t.Parallel()

	st := &State{Status: StatusProcessing}
	st.RecordError("a", now)
	st.RecordError("b", now)
	st.ResetErrors()
	require.False(t, st.RecordError("c", now))
	require.Equal(t, StatusError, st.Status)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *State {
		return &State{
			SchemaVersion:     SchemaVersion,
			Status:            StatusProcessing,
			LastUpdatedAt:     now.Add(-time.Hour).UnixMilli(),
			SessionID:         "s",
			CurrentGroupIndex: 1,
			TotalGroups:       3,
			TotalPages:        65,
			ProcessedPages:    30,
		}
	}
	require.NoError(t, valid().Validate(now, DefaultExpiry))

	cases := map[string]func(*State){
		"schema":    func(s *State) { s.SchemaVersion = "0.9" },
		"expired":   func(s *State) { s.LastUpdatedAt = now.Add(-DefaultExpiry).UnixMilli() },
		"session":   func(s *State) { s.SessionID = "" },
		"group":     func(s *State) { s.CurrentGroupIndex = 4 },
		"processed": func(s *State) { s.ProcessedPages = 66 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			st := valid()
			mutate(st)
			require.Error(t, st.Validate(now, DefaultExpiry))
		})
	}
}

func TestManagerRoundTrip(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	clk := &fakeClock{now: now}
	m := NewManager(store, clk, &fakeIDs{}, 0, zap.NewNop())
	ctx := context.Background()

	_, err := m.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	st, err := m.Create(ctx, NewParams{User: "alice", TotalPages: 65, TotalGroups: 3, SourceDigest: "d"})
	require.NoError(t, err)
	require.Equal(t, "id-1", st.SessionID)
	require.Equal(t, "id-2", st.RunID)
	require.Equal(t, StatusProcessing, st.Status)

	st.MarkMiniBatchCompleted(0, 2)
	clk.now = now.Add(time.Minute)
	require.NoError(t, m.Save(ctx, st))

	loaded, err := m.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{2}, loaded.CompletedMiniBatches[0])
	require.Equal(t, now.Add(time.Minute).UnixMilli(), loaded.LastUpdatedAt)
	require.Equal(t, now, loaded.StartedTime())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(store.data, &raw))
	require.Contains(t, raw, "completedMiniBatchesByGroup")
	require.Equal(t, "1.0.0", raw["schemaVersion"])
}

func TestManagerDiscardsInvalidState(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: now}
	store := &fakeStore{}
	m := NewManager(store, clk, &fakeIDs{}, time.Hour, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, NewParams{TotalGroups: 1})
	require.NoError(t, err)

	clk.now = now.Add(2 * time.Hour)
	_, err = m.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, store.data, "stale state is deleted")

	store.data = []byte("{not json")
	_, err = m.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, store.data)
}

func TestManagerLoadPropagatesStoreError(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeStore{err: errors.New("unavailable")}, &fakeClock{now: now}, &fakeIDs{}, 0, nil)
	_, err := m.Load(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestManagerRecordErrorPersists(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	m := NewManager(store, &fakeClock{now: now}, &fakeIDs{}, 0, nil)
	ctx := context.Background()
	st, err := m.Create(ctx, NewParams{TotalGroups: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cancelled, err := m.RecordError(ctx, st, errors.New("boom"))
		require.NoError(t, err)
		require.False(t, cancelled)
	}
	cancelled, err := m.RecordError(ctx, st, errors.New("boom"))
	require.NoError(t, err)
	require.True(t, cancelled)

	loaded, err := m.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, loaded.Status)
	require.Equal(t, 3, loaded.ErrorCount)
}

func TestTotalsAdd(t *testing.T) {
	t.Parallel()

	tot := Totals{}.Add(watcher.BatchResult{ProcessedPages: 5, UpdatedPages: 2, AddedPDFs: 3, DurationSeconds: 1.5})
	tot = tot.Add(watcher.BatchResult{ProcessedPages: 5, UpdatedPages: 1, Errors: []watcher.ErrorInfo{{Message: "x"}}})
	require.Equal(t, Totals{ProcessedPages: 10, UpdatedPages: 3, AddedPDFs: 3, DurationSeconds: 1.5, PageErrors: 1}, tot)
}

func TestClearMissingIsNotError(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeStore{}, &fakeClock{now: now}, &fakeIDs{}, 0, nil)
	require.NoError(t, m.Clear(context.Background()))
}

type fakeStore struct {
	data []byte
	err  error
}

func (f *fakeStore) Load(context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.data == nil {
		return nil, ErrNotFound
	}
	return f.data, nil
}

func (f *fakeStore) Save(_ context.Context, data []byte) error {
	f.data = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) Delete(context.Context) error {
	if f.data == nil {
		return ErrNotFound
	}
	f.data = nil
	return nil
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

type fakeIDs struct{ n int }

func (f *fakeIDs) NewID() (string, error) {
	f.n++
	return fmt.Sprintf("id-%d", f.n), nil
}
