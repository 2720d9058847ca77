// Package jobs runs long store operations in the background and keeps their
// status in memory for polling. Records do not survive a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cartpilot/internal/config"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrFinished = errors.New("job already finished")
	ErrClosed   = errors.New("job tracker closed")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Progress struct {
	Current          int  `json:"current"`
	Total            int  `json:"total"`
	CartReady        bool `json:"cartReady"`
	CurrentCartCount int  `json:"currentCartCount"`
}

type Record struct {
	ID         string     `json:"jobId"`
	Kind       string     `json:"kind"`
	Status     Status     `json:"status"`
	Progress   Progress   `json:"progress"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Func is the body of a job. report may be called any number of times.
type Func func(ctx context.Context, report func(Progress)) (any, error)

type entry struct {
	rec   Record
	timer *time.Timer
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	retention time.Duration
	timeout   time.Duration
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

func NewTracker(cfg config.JobsConfig, logger *zap.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		entries:   make(map[string]*entry),
		retention: cfg.Retention(),
		timeout:   cfg.Timeout(),
		logger:    logger.Named("jobs"),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Submit registers a job and starts it on its own goroutine. The returned
// record is the pending snapshot.
func (t *Tracker) Submit(kind string, fn Func) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Record{}, ErrClosed
	}

	now := t.now()
	e := &entry{rec: Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	t.entries[e.rec.ID] = e

	t.wg.Add(1)
	go t.run(e.rec.ID, fn)

	t.logger.Info("Job submitted", zap.String("job_id", e.rec.ID), zap.String("kind", kind))
	return e.rec, nil
}

func (t *Tracker) run(id string, fn Func) {
	defer t.wg.Done()

	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	if err := t.transition(id, StatusRunning, nil, nil); err != nil {
		t.logger.Warn("Job could not start", zap.String("job_id", id), zap.Error(err))
		return
	}

	start := time.Now()
	result, err := t.call(ctx, id, fn)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("job stopped: %w", ctx.Err())
	}

	if err != nil {
		_ = t.transition(id, StatusFailed, result, err)
		t.logger.Error("Job failed", zap.String("job_id", id), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	_ = t.transition(id, StatusCompleted, result, nil)
	t.logger.Info("Job completed", zap.String("job_id", id), zap.Duration("took", time.Since(start)))
}

func (t *Tracker) call(ctx context.Context, id string, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, func(p Progress) {
		if err := t.UpdateProgress(id, p); err != nil {
			t.logger.Debug("Progress dropped", zap.String("job_id", id), zap.Error(err))
		}
	})
}

func (t *Tracker) transition(id string, to Status, result any, jobErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(e.rec.Status, to) {
		return fmt.Errorf("invalid job transition %s -> %s", e.rec.Status, to)
	}

	now := t.now()
	e.rec.Status = to
	e.rec.UpdatedAt = now
	if !to.Terminal() {
		return nil
	}

	e.rec.Result = result
	if jobErr != nil {
		e.rec.Error = jobErr.Error()
	}
	e.rec.FinishedAt = &now
	if !t.closed && t.retention > 0 {
		e.timer = time.AfterFunc(t.retention, func() { t.forget(id) })
	}
	return nil
}

func (t *Tracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok && e.rec.Status.Terminal() {
		delete(t.entries, id)
		t.logger.Debug("Job record expired", zap.String("job_id", id))
	}
}

// UpdateProgress replaces the progress of a job that has not finished.
func (t *Tracker) UpdateProgress(id string, p Progress) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Status.Terminal() {
		return ErrFinished
	}
	e.rec.Progress = p
	e.rec.UpdatedAt = t.now()
	return nil
}

func (t *Tracker) Get(id string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (t *Tracker) Progress(id string) (Progress, error) {
	rec, err := t.Get(id)
	if err != nil {
		return Progress{}, err
	}
	return rec.Progress, nil
}

// Len is the number of records currently held.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels running jobs, waits for them to return and stops the
// retention timers. Submit fails afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
