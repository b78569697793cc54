// Package queue runs playbook launches with bounded parallelism.
//
// Requests are ordered by priority and then by submission time.  Two requests
// for the same playbook on the same inventory are never queued or running at
// the same time.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxConcurrent is the number of requests executed in parallel.
	DefaultMaxConcurrent = 3
	// DefaultHistory bounds the list of finished requests kept for Status.
	DefaultHistory = 100

	statusPreview = 5
)

var (
	ErrDuplicate = errors.New("duplicate request")
	ErrNotFound  = errors.New("request not found")
	ErrNotOwner  = errors.New("you can only cancel your own requests")
	ErrRunning   = errors.New("request is already running")
	ErrNotQueued = errors.New("request is not in the queue")
)

// Priority orders requests; lower values run first.
type Priority int

const (
	High   Priority = 1
	Normal Priority = 2
	Low    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case High:
		return "HIGH"
	case Low:
		return "LOW"
	}
	return "NORMAL"
}

// ParsePriority accepts high, normal or low in any case.  An empty string is
// Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "low":
		return Low, nil
	}
	return Normal, fmt.Errorf("unknown priority %q (want high, normal or low)", s)
}

// State is the lifecycle position of a request.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDuplicate State = "duplicate"
	StateCancelled State = "cancelled"
)

// Request is one playbook launch.  Submit fills ID, SubmittedAt and State.
type Request struct {
	ID        string
	UserID    string
	ChannelID string
	Playbook  string
	Inventory string
	ExtraVars string
	Priority  Priority

	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	State       State
	JobID       int
	Message     string
	Err         string

	seq uint64
}

// Key is the deduplication key.
func (r Request) Key() string { return r.Playbook + ":" + r.Inventory }

// Outcome is what an Executor reports for a finished request.
type Outcome struct {
	Message string
	JobID   int
}

// Executor performs one request.  It runs outside any queue lock.
type Executor func(ctx context.Context, r Request) (Outcome, error)

// Notifier posts a message to the channel a request came from.
type Notifier func(ctx context.Context, channelID, message string)

// Config wires a Queue.  Executor is required.
type Config struct {
	MaxConcurrent int
	History       int
	Executor      Executor
	Notify        Notifier
}

// Submission describes an accepted request.
type Submission struct {
	Request  Request
	Position int
	Running  int
	Max      int
}

// Immediate reports whether the request should start without waiting.
func (s Submission) Immediate() bool { return s.Position == 1 && s.Running < s.Max }

// DuplicateError is returned by Submit when the same playbook and inventory
// are already queued or running.
type DuplicateError struct {
	Existing Request
	Running  bool
	Position int
}

func (e *DuplicateError) Error() string {
	if e.Running {
		return fmt.Sprintf("%s on %s is already running", e.Existing.Playbook, e.Existing.Inventory)
	}
	return fmt.Sprintf("%s on %s is already queued at position %d", e.Existing.Playbook, e.Existing.Inventory, e.Position)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// Queue is safe for concurrent use.
type Queue struct {
	max     int
	history int
	execute Executor
	notify  Notifier
	wake    chan struct{}
	now     func() time.Time

	mu       sync.Mutex
	pending  pendingHeap
	running  map[string]*Request
	finished []*Request
	byID     map[string]*Request
	seq      uint64
}

// New returns a Queue.  It does not execute anything until Run is called.
func New(cfg Config) (*Queue, error) {
	if cfg.Executor == nil {
		return nil, errors.New("queue: executor is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	return &Queue{
		max:     cfg.MaxConcurrent,
		history: cfg.History,
		execute: cfg.Executor,
		notify:  cfg.Notify,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		running: make(map[string]*Request),
		byID:    make(map[string]*Request),
	}, nil
}

// MaxConcurrent returns the worker count.
func (q *Queue) MaxConcurrent() int { return q.max }

// Submit enqueues r.  A request whose key is already queued or running is
// rejected with a *DuplicateError.
func (q *Queue) Submit(r Request) (Submission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := r.Key()
	if cur, ok := q.running[key]; ok {
		return Submission{}, &DuplicateError{Existing: *cur, Running: true}
	}
	for i, p := range q.pending.sorted() {
		if p.Key() == key {
			return Submission{}, &DuplicateError{Existing: *p, Position: i + 1}
		}
	}

	q.seq++
	if r.Priority == 0 {
		r.Priority = Normal
	}
	r.ID = uuid.NewString()[:8]
	r.SubmittedAt = q.now()
	r.State = StateQueued
	r.seq = q.seq

	req := &r
	heap.Push(&q.pending, req)
	q.byID[r.ID] = req
	q.signal()

	slog.Info("queue: request submitted",
		"id", r.ID, "playbook", r.Playbook, "inventory", r.Inventory,
		"priority", r.Priority.String(), "user", r.UserID,
		"position", q.pending.Len(), "running", len(q.running))
	return Submission{Request: r, Position: q.pending.Len(), Running: len(q.running), Max: q.max}, nil
}

// Cancel removes a queued request.  Only its submitter may cancel it, and a
// running request cannot be cancelled.
func (q *Queue) Cancel(id, user string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byID[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.UserID != user {
		return *req, ErrNotOwner
	}
	switch req.State {
	case StateRunning:
		return *req, fmt.Errorf("%w: %s", ErrRunning, id)
	case StateQueued:
	default:
		return *req, fmt.Errorf("%w: %s (status: %s)", ErrNotQueued, id, req.State)
	}

	for i, p := range q.pending {
		if p.ID == id {
			heap.Remove(&q.pending, i)
			break
		}
	}
	req.State = StateCancelled
	req.CompletedAt = q.now()
	q.finishLocked(req)
	slog.Info("queue: request cancelled", "id", id, "user", user)
	return *req, nil
}

// Get returns a copy of the request with the given id.
func (q *Queue) Get(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Depth returns the number of running and queued requests.
func (q *Queue) Depth() (running, queued int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running), q.pending.Len()
}

// Status renders running, queued and recently finished requests.
func (q *Queue) Status() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	lines := []string{"📊 **Queue Status**\n", fmt.Sprintf("**Running:** %d/%d", len(q.running), q.max)}
	for _, r := range q.runningSortedLocked() {
		lines = append(lines, fmt.Sprintf("  🔄 `%s` %s on %s (%ds)", r.ID, r.Playbook, r.Inventory, int(now.Sub(r.StartedAt).Seconds())))
	}

	pending := q.pending.sorted()
	lines = append(lines, fmt.Sprintf("\n**Queued:** %d", len(pending)))
	for i, r := range pending {
		if i == statusPreview {
			lines = append(lines, fmt.Sprintf("  ... and %d more", len(pending)-statusPreview))
			break
		}
		lines = append(lines, fmt.Sprintf("  %d. `%s` %s on %s [%s]", i+1, r.ID, r.Playbook, r.Inventory, r.Priority))
	}

	if n := len(q.finished); n > 0 {
		lines = append(lines, "\n**Recent:**")
		for i := n - 1; i >= 0 && i >= n-statusPreview; i-- {
			r := q.finished[i]
			emoji := "❌"
			if r.State == StateCompleted {
				emoji = "✅"
			}
			lines = append(lines, fmt.Sprintf("  %s `%s` %s - %s", emoji, r.ID, r.Playbook, r.State))
		}
	}
	return strings.Join(lines, "\n")
}

// Run starts MaxConcurrent workers and blocks until ctx is done.  A failing
// request never stops the workers.
func (q *Queue) Run(ctx context.Context) error {
	slog.Info("queue: workers started", "max_concurrent", q.max)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.max; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("queue: workers stopped")
	return err
}

func (q *Queue) work(ctx context.Context) {
	for {
		req := q.next()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		q.process(ctx, req)
	}
}

// next pops the highest priority request and marks it running.
func (q *Queue) next() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > 0 && len(q.running) < q.max {
		req := heap.Pop(&q.pending).(*Request)
		if _, busy := q.running[req.Key()]; busy {
			req.State = StateDuplicate
			req.CompletedAt = q.now()
			q.finishLocked(req)
			continue
		}
		req.State = StateRunning
		req.StartedAt = q.now()
		q.running[req.Key()] = req
		if q.pending.Len() > 0 {
			q.signal()
		}
		return req
	}
	return nil
}

func (q *Queue) process(ctx context.Context, req *Request) {
	q.mu.Lock()
	snap := *req
	q.mu.Unlock()

	slog.Info("queue: request starting", "id", snap.ID, "playbook", snap.Playbook, "inventory", snap.Inventory)
	q.post(ctx, snap.ChannelID, fmt.Sprintf("🚀 **Starting Request `%s`**\n\n• Playbook: `%s`\n• Inventory: `%s`\n• Requested by: %s\n\n⏳ Running...",
		snap.ID, snap.Playbook, snap.Inventory, snap.UserID))

	out, err := q.execute(ctx, snap)

	q.mu.Lock()
	req.CompletedAt = q.now()
	req.JobID = out.JobID
	req.Message = out.Message
	if err != nil {
		req.State = StateFailed
		req.Err = err.Error()
	} else {
		req.State = StateCompleted
	}
	delete(q.running, req.Key())
	q.finishLocked(req)
	done := *req
	if q.pending.Len() > 0 {
		q.signal()
	}
	q.mu.Unlock()

	if err != nil {
		slog.Warn("queue: request failed", "id", done.ID, "err", err)
		q.post(ctx, done.ChannelID, fmt.Sprintf("❌ **Request `%s` failed:** %s", done.ID, done.Err))
		return
	}
	slog.Info("queue: request completed", "id", done.ID, "job_id", done.JobID, "duration", done.CompletedAt.Sub(done.StartedAt))
	if done.Message != "" {
		q.post(ctx, done.ChannelID, done.Message)
	}
}

func (q *Queue) post(ctx context.Context, channel, msg string) {
	if q.notify == nil || channel == "" {
		return
	}
	q.notify(ctx, channel, msg)
}

// finishLocked appends req to the bounded history.  Requests that fall off
// the history are forgotten entirely.
func (q *Queue) finishLocked(req *Request) {
	q.finished = append(q.finished, req)
	if over := len(q.finished) - q.history; over > 0 {
		for _, old := range q.finished[:over] {
			delete(q.byID, old.ID)
		}
		q.finished = append([]*Request(nil), q.finished[over:]...)
	}
}

func (q *Queue) runningSortedLocked() []*Request {
	out := make([]*Request, 0, len(q.running))
	for _, r := range q.running {
		out = append(out, r)
	}
	sortRequests(out, func(a, b *Request) bool { return a.StartedAt.Before(b.StartedAt) })
	return out
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
