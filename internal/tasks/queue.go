// Package tasks runs URL download tasks through a bounded-concurrency FIFO
// queue and keeps a bounded history of finished tasks.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/events"
	"github.com/filevault/filevault/internal/fetch"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metrics"
)

// Status is a task lifecycle state. Transitions are monotonic:
// pending -> active -> success | failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Task is one URL download job. Fields are snapshots; the queue owns the
// canonical copy.
type Task struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Folder          string     `json:"folder,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	Error           string     `json:"error,omitempty"`
	Percent         float64    `json:"percent"`
	DownloadedBytes int64      `json:"downloadedBytes"`
	TotalBytes      int64      `json:"totalBytes"`
	FileID          int64      `json:"fileId,omitempty"`
	Name            string     `json:"name,omitempty"`
}

// Result is what a successful runner hands back to the queue.
type Result struct {
	FileID int64
	Name   string
}

// Runner executes one task. It receives a snapshot of the task and a report
// function for progress updates.
type Runner func(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error)

const pendingBuffer = 256

// Queue executes download tasks with a fixed number of workers, first in
// first out. Tasks live in memory only.
type Queue struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	finished    []string // terminal task IDs, oldest first
	pending     chan string
	run         Runner
	broadcaster *events.Broadcaster
	concurrency int
	historySize int
	queued      int
	running     int
	wg          sync.WaitGroup
}

// NewQueue creates a task queue. Workers are not started until Start.
func NewQueue(concurrency, historySize int, run Runner, broadcaster *events.Broadcaster) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	if historySize < 1 {
		historySize = 100
	}
	return &Queue{
		tasks:       make(map[string]*Task),
		pending:     make(chan string, pendingBuffer),
		run:         run,
		broadcaster: broadcaster,
		concurrency: concurrency,
		historySize: historySize,
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue registers a new pending task for a URL.
func (q *Queue) Enqueue(url, folder string) (*Task, error) {
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	t := &Task{
		ID:        uuid.NewString(),
		URL:       url,
		Folder:    folder,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	select {
	case q.pending <- t.ID:
	default:
		q.mu.Unlock()
		return nil, fmt.Errorf("task queue is full")
	}
	q.tasks[t.ID] = t
	q.queued++
	depth := q.queued
	q.mu.Unlock()

	metrics.SetTaskQueueDepth(depth)
	q.publish(events.Event{Type: events.EventTaskQueued, TaskID: t.ID, Status: string(StatusPending)})
	logging.Info("download task queued", zap.String("task_id", t.ID), zap.String("url", url))

	cp := *t
	return &cp, nil
}

// Get returns a snapshot of a task, or nil if unknown.
func (q *Queue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// List returns snapshots of all known tasks, newest first.
func (q *Queue) List() []Task {
	q.mu.Lock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.pending:
			q.execute(ctx, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, id string) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	t.Status = StatusActive
	t.StartedAt = &now
	q.queued--
	q.running++
	snapshot := *t
	depth, running := q.queued, q.running
	q.mu.Unlock()

	metrics.SetTaskQueueDepth(depth)
	metrics.SetTasksRunning(running)
	q.publish(events.Event{Type: events.EventTaskStarted, TaskID: id, Status: string(StatusActive)})

	result, err := q.run(ctx, snapshot, func(p fetch.Progress) {
		q.setProgress(id, p)
	})

	q.mu.Lock()
	finished := time.Now()
	t.FinishedAt = &finished
	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
	} else {
		t.Status = StatusSuccess
		t.Percent = 100
		if result != nil {
			t.FileID = result.FileID
			t.Name = result.Name
		}
	}
	status := t.Status
	q.finished = append(q.finished, id)
	q.evictLocked()
	q.running--
	running = q.running
	q.mu.Unlock()

	metrics.SetTasksRunning(running)
	metrics.RecordTaskFinished(string(status))
	q.publish(events.Event{
		Type:   events.EventTaskFinished,
		TaskID: id,
		Status: string(status),
		Error:  errString(err),
	})
	if err != nil {
		logging.Error("download task failed",
			zap.String("task_id", id), zap.String("url", snapshot.URL), zap.Error(err))
	} else {
		logging.Info("download task finished",
			zap.String("task_id", id), zap.String("url", snapshot.URL))
	}
}

func (q *Queue) setProgress(id string, p fetch.Progress) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusActive {
		q.mu.Unlock()
		return
	}
	t.Percent = p.Percent
	t.DownloadedBytes = p.DownloadedBytes
	t.TotalBytes = p.TotalBytes
	q.mu.Unlock()

	q.publish(events.Event{
		Type:    events.EventTaskProgress,
		TaskID:  id,
		Status:  string(StatusActive),
		Percent: p.Percent,
	})
}

// evictLocked trims the finished-task history to historySize, oldest first.
// Caller holds q.mu.
func (q *Queue) evictLocked() {
	for len(q.finished) > q.historySize {
		oldest := q.finished[0]
		q.finished = q.finished[1:]
		delete(q.tasks, oldest)
	}
}

func (q *Queue) publish(e events.Event) {
	if q.broadcaster != nil {
		q.broadcaster.Publish(e)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
