package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middts/middts-core/internal/audit"
	"github.com/middts/middts-core/internal/causal"
	"github.com/middts/middts-core/internal/infrastructure/database"
	"github.com/middts/middts-core/migrations"
)

func newRepo(t *testing.T) *audit.SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	require.NoError(t, db.Migrate(ctx, migrations.FS))
	return audit.NewSQLiteRepository(db.DB)
}

var base = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func event(id string, state causal.State, prop int64, at time.Time) causal.Event {
	return causal.Event{
		ID:               id,
		State:            state,
		InstanceID:       1,
		PropertyID:       prop,
		DevicePropertyID: 3,
		Property:         "on",
		Device:           "dev-lamp",
		Requested:        "true",
		Value:            "true",
		Previous:         "false",
		LatencyMS:        42,
		At:               at,
	}
}

func TestPublishEventAndList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	first := event("e1", causal.Reconciled, 10, base)
	first.Conflict = true
	require.NoError(t, repo.PublishEvent(ctx, first))

	second := event("e2", causal.Rejected, 10, base.Add(time.Second))
	second.Value = "false"
	second.Reason = "timeout"
	second.DevicePropertyID = 0
	require.NoError(t, repo.PublishEvent(ctx, second))

	require.NoError(t, repo.PublishEvent(ctx, event("e3", causal.Reconciled, 11, base.Add(2*time.Second))))

	page, err := repo.List(ctx, audit.Filter{PropertyID: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, audit.DefaultLimit, page.Limit)
	require.Len(t, page.Events, 2)

	latest := page.Events[0]
	assert.Equal(t, "e2", latest.ID)
	assert.Equal(t, causal.Rejected, latest.State)
	assert.Equal(t, "timeout", latest.Reason)
	assert.Zero(t, latest.DevicePropertyID)
	assert.True(t, latest.At.Equal(base.Add(time.Second)))

	earliest := page.Events[1]
	assert.Equal(t, "e1", earliest.ID)
	assert.True(t, earliest.Conflict)
	assert.Equal(t, int64(3), earliest.DevicePropertyID)
	assert.Equal(t, int64(42), earliest.LatencyMS)
	assert.Equal(t, "dev-lamp", earliest.Device)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for i, st := range []causal.State{causal.Reconciled, causal.Rejected, causal.Reconciled, causal.Reconciled} {
		ev := event(string(rune('a'+i)), st, int64(10+i%2), base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, repo.PublishEvent(ctx, ev))
	}

	tests := []struct {
		name      string
		filter    audit.Filter
		wantTotal int
		wantIDs   []string
	}{
		{"all", audit.Filter{}, 4, []string{"d", "c", "b", "a"}},
		{"by state", audit.Filter{State: "rejected"}, 1, []string{"b"}},
		{"by instance", audit.Filter{InstanceID: 2}, 0, nil},
		{"paged", audit.Filter{Limit: 2, Offset: 1}, 4, []string{"c", "b"}},
		{"limit clamped", audit.Filter{Limit: 1000}, 4, []string{"d", "c", "b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, page.Total)
			assert.LessOrEqual(t, page.Limit, audit.MaxLimit)

			ids := make([]string, 0, len(page.Events))
			for _, ev := range page.Events {
				ids = append(ids, ev.ID)
			}
			if tt.wantIDs == nil {
				assert.Empty(t, ids)
				return
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestPublishEvent_RequiresStamp(t *testing.T) {
	repo := newRepo(t)
	err := repo.PublishEvent(context.Background(), causal.Event{State: causal.Reconciled, PropertyID: 1})
	assert.Error(t, err)
}

func TestPublishEvent_DuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.PublishEvent(ctx, event("dup", causal.Reconciled, 1, base)))
	assert.Error(t, repo.PublishEvent(ctx, event("dup", causal.Reconciled, 1, base)))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.PublishEvent(ctx, event("old", causal.Reconciled, 1, base.Add(-48*time.Hour))))
	require.NoError(t, repo.PublishEvent(ctx, event("new", causal.Reconciled, 1, base)))

	n, err := repo.Prune(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	page, err := repo.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "new", page.Events[0].ID)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

func TestRunRetention_StopsOnCancel(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.PublishEvent(context.Background(), event("ancient", causal.Reconciled, 1, base.AddDate(-1, 0, 0))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repo.RunRetention(ctx, 24*time.Hour, time.Hour, nopLogger{}) }()

	require.Eventually(t, func() bool {
		page, err := repo.List(context.Background(), audit.Filter{})
		return err == nil && page.Total == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunRetention did not stop")
	}
}

func TestPublishers_FanOut(t *testing.T) {
	ctx := context.Background()
	a, b := newRepo(t), newRepo(t)
	pubs := causal.Publishers{a, b}

	require.NoError(t, pubs.PublishEvent(ctx, event("fan", causal.Reconciled, 1, base)))
	for _, repo := range []*audit.SQLiteRepository{a, b} {
		page, err := repo.List(ctx, audit.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
	}

	assert.Error(t, pubs.PublishEvent(ctx, event("fan", causal.Reconciled, 1, base)))
}
