package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/fetch"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueValidation(t *testing.T) {
	q := NewQueue(1, 10, nil, nil)
	if _, err := q.Enqueue("", ""); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 2
	const jobs = 6

	var active, maxActive, completed int32
	release := make(chan struct{})

	run := func(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&completed, 1)
		return &Result{}, nil
	}

	q := NewQueue(limit, 100, run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(fmt.Sprintf("https://example.com/%d", i), ""); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&active) == limit })
	close(release)
	waitFor(t, func() bool { return atomic.LoadInt32(&completed) == jobs })

	if got := atomic.LoadInt32(&maxActive); got > limit {
		t.Errorf("max concurrent tasks = %d, want <= %d", got, limit)
	}
	for _, task := range q.List() {
		if task.Status != StatusSuccess {
			t.Errorf("task %s status = %s, want success", task.ID, task.Status)
		}
	}
}

func TestEachTaskRunsOnce(t *testing.T) {
	var mu sync.Mutex
	runs := make(map[string]int)

	run := func(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error) {
		mu.Lock()
		runs[task.ID]++
		mu.Unlock()
		return &Result{}, nil
	}

	q := NewQueue(3, 100, run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		task, err := q.Enqueue(fmt.Sprintf("https://example.com/%d", i), "")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, task.ID)
	}

	waitFor(t, func() bool {
		for _, id := range ids {
			if task := q.Get(id); task == nil || task.Status != StatusSuccess {
				return false
			}
		}
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if runs[id] != 1 {
			t.Errorf("task %s ran %d times, want 1", id, runs[id])
		}
	}
}

func TestFailedTaskRecordsError(t *testing.T) {
	run := func(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error) {
		return nil, errors.New("connection refused")
	}

	q := NewQueue(1, 10, run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	task, err := q.Enqueue("https://example.com/broken", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool {
		got := q.Get(task.ID)
		return got != nil && got.Status == StatusFailed
	})

	got := q.Get(task.ID)
	if got.Error != "connection refused" {
		t.Errorf("Error = %q, want connection refused", got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set on failed task")
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set on failed task")
	}
}

func TestStatusTimestampsMonotonic(t *testing.T) {
	run := func(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error) {
		report(fetch.Progress{Percent: 50, DownloadedBytes: 500, TotalBytes: 1000})
		return &Result{FileID: 7, Name: "clip.mp4"}, nil
	}

	q := NewQueue(1, 10, run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	task, _ := q.Enqueue("https://example.com/v", "")
	waitFor(t, func() bool {
		got := q.Get(task.ID)
		return got != nil && got.Status == StatusSuccess
	})

	got := q.Get(task.ID)
	if got.StartedAt.Before(got.CreatedAt) {
		t.Error("StartedAt before CreatedAt")
	}
	if got.FinishedAt.Before(*got.StartedAt) {
		t.Error("FinishedAt before StartedAt")
	}
	if got.FileID != 7 || got.Name != "clip.mp4" {
		t.Errorf("result not recorded: fileID=%d name=%q", got.FileID, got.Name)
	}
	if got.Percent != 100 {
		t.Errorf("Percent = %v, want 100 on success", got.Percent)
	}
}

func TestHistoryEviction(t *testing.T) {
	const historySize = 3

	run := func(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error) {
		return &Result{}, nil
	}

	q := NewQueue(1, historySize, run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		task, err := q.Enqueue(fmt.Sprintf("https://example.com/%d", i), "")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, task.ID)
		waitFor(t, func() bool {
			got := q.Get(task.ID)
			return got != nil && got.Status == StatusSuccess
		})
	}

	if got := len(q.List()); got != historySize {
		t.Errorf("retained tasks = %d, want %d", got, historySize)
	}
	// Oldest finished tasks are gone, newest survive.
	for _, id := range ids[:len(ids)-historySize] {
		if q.Get(id) != nil {
			t.Errorf("evicted task %s still present", id)
		}
	}
	for _, id := range ids[len(ids)-historySize:] {
		if q.Get(id) == nil {
			t.Errorf("recent task %s missing", id)
		}
	}
}

func TestProgressVisibleWhileActive(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	run := func(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error) {
		report(fetch.Progress{Percent: 42.1, DownloadedBytes: 421, TotalBytes: 1000})
		close(started)
		<-release
		return &Result{}, nil
	}

	q := NewQueue(1, 10, run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	task, _ := q.Enqueue("https://example.com/v", "")
	<-started

	got := q.Get(task.ID)
	if got.Status != StatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}
	if got.Percent != 42.1 || got.DownloadedBytes != 421 || got.TotalBytes != 1000 {
		t.Errorf("progress not recorded: %+v", got)
	}
	close(release)
}
