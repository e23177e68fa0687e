package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaypoint/supervisor/internal/common/errors"
	"github.com/relaypoint/supervisor/internal/process"
)

func newRecord(id, name string, status process.Status) *process.Record {
	return &process.Record{
		ID:        id,
		Title:     "t-" + id,
		Name:      name,
		Command:   []string{"echo", "hi"},
		Status:    status,
		StartTime: time.Now(),
	}
}

func TestRegistry_AddGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newRecord("p1", "alpha", process.StatusStarting)))

	got, err := r.Get("p1")
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Name)
}

func TestRegistry_AddDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newRecord("p1", "alpha", process.StatusStarting)))
	err := r.Add(newRecord("p1", "beta", process.StatusStarting))
	require.Error(t, err)
}

func TestRegistry_GetMissingIsNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("nope")
	require.True(t, errors.IsNotFound(err))
}

func TestRegistry_GetReturnsDefensiveCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newRecord("p1", "alpha", process.StatusStarting)))

	got, _ := r.Get("p1")
	got.Name = "mutated"
	got.Command[0] = "mutated"

	fresh, _ := r.Get("p1")
	require.Equal(t, "alpha", fresh.Name)
	require.Equal(t, "echo", fresh.Command[0])
}

func TestRegistry_Update(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newRecord("p1", "alpha", process.StatusStarting)))

	status := process.StatusRunning
	pid := 123
	updated, err := r.Update("p1", Patch{Status: &status, PID: &pid})
	require.NoError(t, err)
	require.Equal(t, process.StatusRunning, updated.Status)
	require.Equal(t, 123, *updated.PID)
}

func TestRegistry_RemoveThenNotFound(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newRecord("p1", "alpha", process.StatusStarting)))
	require.NoError(t, r.Remove("p1"))

	_, err := r.Get("p1")
	require.True(t, errors.IsNotFound(err))
}

func TestRegistry_ListPaginationOutOfRangeOffset(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Add(newRecord(string(rune('a'+i)), "name", process.StatusRunning)))
	}

	recs, total := r.List(Filter{}, Sort{}, Page{Offset: 100, Limit: 10})
	require.Empty(t, recs)
	require.Equal(t, 3, total)
}

func TestRegistry_ListSortByNameStableOnTies(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newRecord("p1", "same", process.StatusRunning)))
	require.NoError(t, r.Add(newRecord("p2", "same", process.StatusRunning)))

	recs, _ := r.List(Filter{}, Sort{Field: SortByName, Order: SortAsc}, Page{})
	require.Equal(t, "p1", recs[0].ID)
	require.Equal(t, "p2", recs[1].ID)
}

func TestRegistry_ListFilterByStatusAndName(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newRecord("p1", "web-server", process.StatusRunning)))
	require.NoError(t, r.Add(newRecord("p2", "worker", process.StatusStopped)))

	recs, total := r.List(Filter{Status: process.StatusRunning}, Sort{}, Page{})
	require.Equal(t, 1, total)
	require.Equal(t, "p1", recs[0].ID)

	recs, total = r.List(Filter{Name: "WEB"}, Sort{}, Page{})
	require.Equal(t, 1, total)
	require.Equal(t, "p1", recs[0].ID)
}

func TestRegistry_ListLimitCapped(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Add(newRecord(string(rune('a'+i)), "n", process.StatusRunning)))
	}
	recs, _ := r.List(Filter{}, Sort{}, Page{Limit: 10000})
	require.Len(t, recs, 5)
}

func TestRegistry_Stats(t *testing.T) {
	r := New()
	now := time.Now()
	end := now.Add(2 * time.Second)
	require.NoError(t, r.Add(&process.Record{ID: "p1", Status: process.StatusStopped, StartTime: now, EndTime: &end}))
	require.NoError(t, r.Add(&process.Record{ID: "p2", Status: process.StatusRunning, StartTime: now}))

	stats := r.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.ByStatus[process.StatusStopped])
	require.Equal(t, 1, stats.ByStatus[process.StatusRunning])
	require.Equal(t, 2*time.Second, stats.AverageRuntime)
}
