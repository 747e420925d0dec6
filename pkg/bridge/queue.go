// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBackpressure is returned by Enqueue when the chat's queue is full. The
// caller is expected to acknowledge the event anyway and park it as a dead
// letter.
var ErrBackpressure = errors.New("chat queue is full")

// ErrQueueClosed is returned by Enqueue once shutdown has begun.
var ErrQueueClosed = errors.New("chat queues are shutting down")

// Task is one unit of ordered work for a single chat.
type Task struct {
	// Key groups tasks into one FIFO lane. All events of a bridged pair use
	// the same key, normally the Feishu chat ID.
	Key string
	// Kind is a short label for logs ("feishu_event", "matrix_event", ...).
	Kind string
	// Run does the work. The context is canceled on forced shutdown.
	Run func(ctx context.Context)
	// Drop is called instead of Run when the task is discarded at shutdown.
	// May be nil.
	Drop func(reason string)
}

// ChatQueues serializes work per chat while letting different chats proceed
// in parallel.
//
// Guarantees: tasks with the same key run in enqueue order with at most one
// in flight; at most W tasks run concurrently across all keys; a full lane
// rejects with ErrBackpressure instead of blocking.
type ChatQueues struct {
	log     zerolog.Logger
	metrics *Metrics

	workers chan struct{}
	depth   int
	idleTTL time.Duration

	runCtx  context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	stopped sync.Once

	mu       sync.Mutex
	chats    map[string]*chatLane
	closed   bool
	depthNow int
	depthMax int

	wg sync.WaitGroup
}

type chatLane struct {
	tasks chan *Task
}

// NewChatQueues builds the queue set. workers <= 0 means max(4, NumCPU),
// depth <= 0 means 1024 and idleTTL <= 0 means 5 minutes.
func NewChatQueues(workers, depth int, idleTTL time.Duration, metrics *Metrics, log zerolog.Logger) *ChatQueues {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 4 {
			workers = 4
		}
	}
	if depth <= 0 {
		depth = 1024
	}
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatQueues{
		log:     log.With().Str("component", "queue").Logger(),
		metrics: metrics,
		workers: make(chan struct{}, workers),
		depth:   depth,
		idleTTL: idleTTL,
		runCtx:  ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		chats:   make(map[string]*chatLane),
	}
}

// Enqueue appends the task to its chat's lane, starting a lane worker when
// the chat had none.
func (q *ChatQueues) Enqueue(task *Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	lane := q.chats[task.Key]
	if lane == nil {
		lane = &chatLane{tasks: make(chan *Task, q.depth)}
		q.chats[task.Key] = lane
		q.wg.Add(1)
		go q.runLane(task.Key, lane)
	}
	select {
	case lane.tasks <- task:
	default:
		q.mu.Unlock()
		return ErrBackpressure
	}
	q.depthNow++
	if q.depthNow > q.depthMax {
		q.depthMax = q.depthNow
	}
	q.publishDepthLocked()
	q.mu.Unlock()
	return nil
}

// Depth returns the current and high-water total queue depth.
func (q *ChatQueues) Depth() (current, max int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthNow, q.depthMax
}

// ActiveChats returns the number of chats that currently have a lane worker.
func (q *ChatQueues) ActiveChats() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chats)
}

// Stop rejects further enqueues, lets in-flight tasks finish within the
// grace window, discards the backlog through each task's Drop callback and
// finally force-cancels anything still running.
func (q *ChatQueues) Stop(grace time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.stopped.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.log.Warn().Dur("grace", grace).Msg("Shutdown grace expired, canceling in-flight tasks")
	}
	q.cancel()
	<-done
}

func (q *ChatQueues) runLane(key string, lane *chatLane) {
	defer q.wg.Done()
	idle := time.NewTimer(q.idleTTL)
	defer idle.Stop()
	for {
		// Shutdown wins over pending work: everything still queued is
		// drained to Drop, only the task already running gets to finish.
		select {
		case <-q.stopCh:
			q.drainLane(key, lane)
			return
		default:
		}
		select {
		case task := <-lane.tasks:
			q.noteDequeue()
			q.execute(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.idleTTL)
		case <-q.stopCh:
			q.drainLane(key, lane)
			return
		case <-idle.C:
			if q.retireLane(key, lane) {
				return
			}
			idle.Reset(q.idleTTL)
		}
	}
}

// execute runs one task under a global worker slot. A panic is contained
// here so a single bad task never takes the lane down.
func (q *ChatQueues) execute(task *Task) {
	select {
	case q.workers <- struct{}{}:
	case <-q.runCtx.Done():
		q.dropTask(task, "shutdown")
		return
	}
	defer func() { <-q.workers }()
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Str("chat_key", task.Key).
				Str("task_kind", task.Kind).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
		}
	}()
	task.Run(q.runCtx)
}

func (q *ChatQueues) drainLane(key string, lane *chatLane) {
	for {
		select {
		case task := <-lane.tasks:
			q.noteDequeue()
			q.dropTask(task, "shutdown")
		default:
			q.mu.Lock()
			delete(q.chats, key)
			q.mu.Unlock()
			return
		}
	}
}

// retireLane removes an idle lane. Reports false when a task arrived between
// the idle timeout and the lock, in which case the lane keeps running.
func (q *ChatQueues) retireLane(key string, lane *chatLane) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(lane.tasks) > 0 {
		return false
	}
	delete(q.chats, key)
	return true
}

func (q *ChatQueues) dropTask(task *Task, reason string) {
	q.log.Debug().Str("chat_key", task.Key).Str("task_kind", task.Kind).Str("reason", reason).
		Msg("Dropping queued task")
	if task.Drop != nil {
		task.Drop(reason)
	}
}

func (q *ChatQueues) noteDequeue() {
	q.mu.Lock()
	q.depthNow--
	q.publishDepthLocked()
	q.mu.Unlock()
}

func (q *ChatQueues) publishDepthLocked() {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.depthNow, q.depthMax)
	}
}
