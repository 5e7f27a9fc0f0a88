// Package scheduler runs keyed, delayed tasks on a single goroutine
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kode4food/stalwart/pkg/log"
)

type (
	// Scheduler runs delayed tasks and supports replacement and prefix cancel
	Scheduler struct {
		now       Clock
		makeTimer TimerConstructor
		tasks     chan taskReq
		onError   func(error)
	}

	// TaskFunc is called when its run time arrives, with the context the
	// Scheduler runs under
	TaskFunc func(ctx context.Context) error

	taskReqOp uint8

	taskReq struct {
		op   taskReqOp
		task *Task
		key  string
	}
)

const (
	taskReqSchedule taskReqOp = iota
	taskReqCancel
	taskReqCancelPrefix
)

// New creates a scheduler using the provided clock and timer constructor
func New(now Clock, makeTimer TimerConstructor) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if makeTimer == nil {
		makeTimer = NewTimer
	}
	return &Scheduler{
		now:       now,
		makeTimer: makeTimer,
		tasks:     make(chan taskReq, 100),
		onError: func(err error) {
			slog.Error("Scheduled task failed", log.Error(err))
		},
	}
}

// OnError replaces the handler for errors returned by tasks. Must be called
// before Run
func (s *Scheduler) OnError(fn func(error)) {
	s.onError = fn
}

// Schedule enqueues a task to run at the requested time. A task scheduled
// under an existing key replaces it
func (s *Scheduler) Schedule(
	ctx context.Context, key string, at time.Time, fn TaskFunc,
) {
	s.send(ctx, taskReq{
		op:   taskReqSchedule,
		task: &Task{Func: fn, At: at, Key: key},
	})
}

// Cancel removes the task registered under key
func (s *Scheduler) Cancel(ctx context.Context, key string) {
	s.send(ctx, taskReq{op: taskReqCancel, key: key})
}

// CancelPrefix removes all tasks whose key starts with prefix
func (s *Scheduler) CancelPrefix(ctx context.Context, prefix string) {
	s.send(ctx, taskReq{op: taskReqCancelPrefix, key: prefix})
}

// Run processes scheduler requests until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	timer := s.makeTimer(0)
	var timerCh <-chan time.Time
	tasks := NewTaskHeap()

	resetTimer := func() {
		t := tasks.Peek()
		if t == nil {
			timer.Stop()
			timerCh = nil
			return
		}
		timer.Reset(t.At.Sub(s.now()))
		timerCh = timer.Channel()
	}

	resetTimer()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case req := <-s.tasks:
			switch req.op {
			case taskReqSchedule:
				tasks.Insert(req.task)
			case taskReqCancel:
				tasks.Cancel(req.key)
			case taskReqCancelPrefix:
				tasks.CancelPrefix(req.key)
			}
			resetTimer()
		case <-timerCh:
			task := tasks.PopTask()
			if task == nil {
				resetTimer()
				continue
			}
			if err := task.Func(ctx); err != nil {
				s.onError(err)
			}
			resetTimer()
		}
	}
}

func (s *Scheduler) send(ctx context.Context, req taskReq) {
	select {
	case s.tasks <- req:
	case <-ctx.Done():
	}
}
