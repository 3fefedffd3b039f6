package tasks_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"attribution-backend/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(month time.Month, day int) func() time.Time {
	return func() time.Time { return time.Date(2026, month, day, 9, 30, 0, 0, time.Local) }
}

func TestNewTaskIDIsPure(t *testing.T) {
	r := tasks.NewRegistry(tasks.WithRegistryClock(fixedClock(time.July, 1)))

	assert.Equal(t, tasks.TaskID("0701-01"), r.NewTaskID())
	assert.Equal(t, tasks.TaskID("0701-01"), r.NewTaskID())
}

func TestNewTaskIDIncreasesAfterRegister(t *testing.T) {
	r := tasks.NewRegistry(tasks.WithRegistryClock(fixedClock(time.July, 1)))

	id := r.NewTaskID()
	require.NoError(t, r.Register(id, &tasks.Task{}))
	assert.Equal(t, tasks.TaskID("0701-02"), r.NewTaskID())

	require.NoError(t, r.Register(r.NewTaskID(), &tasks.Task{}))
	assert.Equal(t, tasks.TaskID("0701-03"), r.NewTaskID())
}

func TestNewTaskIDDoesNotReuseRetiredSuffixBelowMax(t *testing.T) {
	r := tasks.NewRegistry(tasks.WithRegistryClock(fixedClock(time.July, 1)))
	for i := 0; i < 3; i++ {
		r.RegisterNew(&tasks.Task{})
	}

	require.NoError(t, r.Delete("0701-02"))
	assert.Equal(t, tasks.TaskID("0701-04"), r.NewTaskID())

	require.NoError(t, r.Delete("0701-03"))
	// the current maximum is gone, so its suffix comes back
	assert.Equal(t, tasks.TaskID("0701-02"), r.NewTaskID())
}

func TestNewTaskIDScopedToDay(t *testing.T) {
	now := fixedClock(time.July, 1)
	r := tasks.NewRegistry(tasks.WithRegistryClock(func() time.Time { return now() }))
	r.RegisterNew(&tasks.Task{})
	r.RegisterNew(&tasks.Task{})

	now = fixedClock(time.July, 2)
	assert.Equal(t, tasks.TaskID("0702-01"), r.NewTaskID())
}

func TestRegisterDuplicate(t *testing.T) {
	r := tasks.NewRegistry()
	require.NoError(t, r.Register("0701-01", &tasks.Task{}))

	err := r.Register("0701-01", &tasks.Task{})
	assert.ErrorIs(t, err, tasks.ErrDuplicateTask)

	assert.Error(t, r.Register(tasks.CreationView, &tasks.Task{}))
}

func TestSelectTask(t *testing.T) {
	r := tasks.NewRegistry(tasks.WithRegistryClock(fixedClock(time.July, 1)))
	id := r.RegisterNew(&tasks.Task{Title: "report"})

	current, task := r.Current()
	assert.Equal(t, tasks.CreationView, current)
	assert.Nil(t, task)

	task, err := r.SelectTask(id)
	require.NoError(t, err)
	assert.Equal(t, "report", task.Title)

	current, _ = r.Current()
	assert.Equal(t, id, current)

	r.SelectCreationView()
	current, _ = r.Current()
	assert.Equal(t, tasks.CreationView, current)
}

func TestSelectUnknownTaskResetsToCreationView(t *testing.T) {
	r := tasks.NewRegistry(tasks.WithRegistryClock(fixedClock(time.July, 1)))
	id := r.RegisterNew(&tasks.Task{})
	_, err := r.SelectTask(id)
	require.NoError(t, err)

	_, err = r.SelectTask("0101-07")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)

	current, task := r.Current()
	assert.Equal(t, tasks.CreationView, current)
	assert.Nil(t, task)
}

func TestDeleteCurrentTaskResetsPointer(t *testing.T) {
	r := tasks.NewRegistry()
	id := r.RegisterNew(&tasks.Task{})
	_, err := r.SelectTask(id)
	require.NoError(t, err)

	require.NoError(t, r.Delete(id))

	current, _ := r.Current()
	assert.Equal(t, tasks.CreationView, current)
	assert.ErrorIs(t, r.Delete(id), tasks.ErrTaskNotFound)

	_, err = r.Get(id)
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
}

func TestListMostRecentFirst(t *testing.T) {
	now := fixedClock(time.June, 30)
	r := tasks.NewRegistry(tasks.WithRegistryClock(func() time.Time { return now() }))
	r.RegisterNew(&tasks.Task{})
	r.RegisterNew(&tasks.Task{})
	now = fixedClock(time.July, 1)
	r.RegisterNew(&tasks.Task{})

	var ids []tasks.TaskID
	for _, task := range r.List() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []tasks.TaskID{"0701-01", "0630-02", "0630-01"}, ids)
}

func TestRegisterNewConcurrent(t *testing.T) {
	r := tasks.NewRegistry(tasks.WithRegistryClock(fixedClock(time.July, 1)))

	const n = 40
	var wg sync.WaitGroup
	ids := make(chan tasks.TaskID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.RegisterNew(&tasks.Task{})
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[tasks.TaskID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.True(t, seen[tasks.TaskID(fmt.Sprintf("0701-%02d", n))])
}
