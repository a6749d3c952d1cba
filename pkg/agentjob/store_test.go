package agentjob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestJob(id string, n int) (Job, []Item) {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{ItemID: "item-" + string(rune('a'+i)), RowIndex: i, Row: map[string]string{"x": "1"}}
	}
	return Job{ID: id, Name: "test", Instruction: "do it", InputHeaders: []string{"x"}}, items
}

func TestStoreCreateJobAndProgress(t *testing.T) {
	store := NewStore(t.TempDir())
	job, items := newTestJob("job-1", 3)
	require.NoError(t, store.CreateJob(job, items))

	got, ok := store.GetJob("job-1")
	require.True(t, ok)
	require.Equal(t, JobRunning, got.Status)

	p := store.Progress("job-1")
	require.Equal(t, 3, p.TotalItems)
	require.Equal(t, 3, p.PendingItems)
}

func TestStoreItemLifecycleTransitions(t *testing.T) {
	store := NewStore(t.TempDir())
	job, items := newTestJob("job-2", 1)
	require.NoError(t, store.CreateJob(job, items))

	require.NoError(t, store.MarkItemRunning("job-2", "item-a", "thread-1"))
	item, ok := store.GetItem("job-2", "item-a")
	require.True(t, ok)
	require.Equal(t, ItemRunning, item.Status)
	require.Equal(t, "thread-1", item.ThreadID)

	accepted, err := store.ReportResult("job-2", "item-a", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, store.MarkItemCompleted("job-2", "item-a"))
	item, _ = store.GetItem("job-2", "item-a")
	require.Equal(t, ItemCompleted, item.Status)
	require.NotNil(t, item.CompletedAt)

	p := store.Progress("job-2")
	require.Equal(t, 1, p.CompletedItems)
}

func TestStoreReportResultRejectsNonRunningItem(t *testing.T) {
	store := NewStore(t.TempDir())
	job, items := newTestJob("job-3", 1)
	require.NoError(t, store.CreateJob(job, items))

	accepted, err := store.ReportResult("job-3", "item-a", []byte(`{}`))
	require.NoError(t, err)
	require.False(t, accepted)
}

func TestStoreCancelAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	job, items := newTestJob("job-4", 2)
	require.NoError(t, store.CreateJob(job, items))
	require.NoError(t, store.MarkJobCancelled("job-4", "user requested stop"))
	require.True(t, store.IsCancelled("job-4"))

	reloaded := NewStore(dir)
	require.NoError(t, reloaded.Load("job-4"))
	got, ok := reloaded.GetJob("job-4")
	require.True(t, ok)
	require.True(t, got.CancelRequested)
	require.Len(t, reloaded.ListItems("job-4", "", 0), 2)
}
