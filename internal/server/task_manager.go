package server

import (
	"sync"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of an asynchronous operation.
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is one long-running operation, pollable at /tasks/{id}.
type Task struct {
	mu sync.RWMutex

	ID     string
	Status TaskStatus
	Error  string
}

// View is a consistent copy for serialization.
func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskView{ID: t.ID, Status: t.Status, Error: t.Error}
}

// TaskView is the wire form of a Task.
type TaskView struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// SetStatus updates the lifecycle state.
func (t *Task) SetStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
}

// Fail marks the task failed and records the cause.
func (t *Task) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusFailed
	t.Error = err.Error()
}

// TaskManager tracks asynchronous tasks by id. Completed tasks are kept so
// clients can always resolve the id they were handed.
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewTaskManager() *TaskManager {
	return &TaskManager{tasks: make(map[string]*Task)}
}

// NewTask registers and returns a fresh task.
func (tm *TaskManager) NewTask() *Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	task := &Task{ID: uuid.New().String(), Status: TaskStatusStarted}
	tm.tasks[task.ID] = task
	return task
}

// Get resolves a task id.
func (tm *TaskManager) Get(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[id]
	return task, ok
}
