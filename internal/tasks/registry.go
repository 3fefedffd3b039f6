package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"attribution-backend/internal/chat"
	"attribution-backend/internal/inference"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("task already registered")
)

// TaskID has the form MMDD-NN.
type TaskID string

// CreationView is the current-task sentinel meaning no task is selected.
const CreationView TaskID = ""

type Task struct {
	ID        TaskID
	Title     string
	CreatedAt time.Time
	Session   *chat.Session
	Aliases   []string
	Media     []*inference.File
}

// Registry maps task ids to their conversation and tracks which task is current. It lives
// for the life of the process; nothing is persisted.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[TaskID]*Task
	current TaskID
	now     func() time.Time
}

type RegistryOption func(*Registry)

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tasks:   make(map[TaskID]*Task),
		current: CreationView,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewTaskID returns the next id for today without reserving it: the suffix is one more than
// the largest suffix already registered today.
func (r *Registry) NewTaskID() TaskID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID()
}

func (r *Registry) nextID() TaskID {
	prefix := r.now().Format("0102") + "-"

	maxSuffix := 0
	for id := range r.tasks {
		suffix, ok := strings.CutPrefix(string(id), prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		maxSuffix = max(maxSuffix, n)
	}

	return TaskID(fmt.Sprintf("%s%02d", prefix, maxSuffix+1))
}

func (r *Registry) Register(id TaskID, task *Task) error {
	if id == CreationView {
		return fmt.Errorf("task id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	task.ID = id
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now()
	}
	r.tasks[id] = task

	slog.Info("registered task", "task_id", id, "title", task.Title)
	return nil
}

// RegisterNew allocates the next id and registers the task under it in one step, so concurrent
// workflows finishing on the same day never race for a suffix.
func (r *Registry) RegisterNew(task *Task) TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID()
	task.ID = id
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now()
	}
	r.tasks[id] = task

	slog.Info("registered task", "task_id", id, "title", task.Title)
	return id
}

// SelectTask makes id the current task. An unknown id resets the view to CreationView and
// returns ErrTaskNotFound.
func (r *Registry) SelectTask(id TaskID) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		r.current = CreationView
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	r.current = id
	return task, nil
}

func (r *Registry) SelectCreationView() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = CreationView
}

// Current returns the selected task, or CreationView and nil.
func (r *Registry) Current() (TaskID, *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == CreationView {
		return CreationView, nil
	}
	task, ok := r.tasks[r.current]
	if !ok {
		r.current = CreationView
		return CreationView, nil
	}
	return r.current, task
}

func (r *Registry) Get(id TaskID) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// List returns tasks most recent first, using reverse lexicographic order of ids.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		list = append(list, task)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].ID, list[j].ID
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a > b
	})
	return list
}

func (r *Registry) Delete(id TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(r.tasks, id)
	if r.current == id {
		r.current = CreationView
	}

	slog.Info("deleted task", "task_id", id)
	return nil
}
