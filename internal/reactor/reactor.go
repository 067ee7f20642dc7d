// Package reactor implements the cooperative event loop the control-plane
// server runs on: a single goroutine that multiplexes file-descriptor
// readiness (epoll), repeating timers, and deferred tasks. Callbacks must
// never block; long retry sequences yield by scheduling a timed task
// instead of spinning.
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Never is the timer waketime sentinel meaning "do not fire".
var Never = time.Unix(1<<41, 0)

// FDCallback handles a readiness event for a registered descriptor.
type FDCallback func(now time.Time)

// TaskFunc is a one-shot deferred task.
type TaskFunc func(now time.Time)

// TimerCallback runs when a timer fires and returns the next waketime
// (or Never to stop the timer).
type TimerCallback func(now time.Time) time.Time

// Timer is a repeating timer owned by the reactor. Its waketime is
// changed with UpdateTimer.
type Timer struct {
	callback TimerCallback
	waketime time.Time
}

type timedTask struct {
	at   time.Time
	task TaskFunc
}

// Reactor is the single-threaded event loop. FD and timer operations
// must happen on the loop goroutine (or before Run starts); Schedule is
// the one entry point that is safe from any goroutine.
type Reactor struct {
	epollFd   int
	wakeRead  int
	wakeWrite int

	// Loop-goroutine state.
	handlers   map[int]FDCallback
	timers     []*Timer
	timedTasks []timedTask

	// Cross-goroutine task queue, drained by the loop.
	mu    sync.Mutex
	tasks []TaskFunc

	logger *slog.Logger
}

// New creates a reactor with its epoll instance and wakeup pipe.
func New(logger *slog.Logger) (*Reactor, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epollFd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	r := &Reactor{
		epollFd:   epollFd,
		wakeRead:  pipeFds[0],
		wakeWrite: pipeFds[1],
		handlers:  make(map[int]FDCallback),
		logger:    logger,
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wakeRead)}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, r.wakeRead, &event); err != nil {
		r.closeFds()
		return nil, fmt.Errorf("epoll_ctl wakeup pipe: %w", err)
	}

	return r, nil
}

// Now returns the current time. The returned value carries Go's
// monotonic clock reading, so arithmetic on it is immune to wall-clock
// jumps.
func (r *Reactor) Now() time.Time {
	return time.Now()
}

// RegisterFD starts delivering read-readiness events for fd to callback.
// The descriptor must be in non-blocking mode.
func (r *Reactor) RegisterFD(fd int, callback FDCallback) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	r.handlers[fd] = callback
	return nil
}

// UnregisterFD stops readiness delivery for fd. Safe to call for a
// descriptor that was never registered.
func (r *Reactor) UnregisterFD(fd int) {
	// The kernel drops the registration automatically when the fd is
	// closed; the explicit delete keeps the handler table accurate.
	unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.handlers, fd)
}

// Schedule queues a one-shot task for the next loop iteration. Safe to
// call from any goroutine.
func (r *Reactor) Schedule(task TaskFunc) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	r.wake()
}

// After queues a one-shot task to run once delay has elapsed. Loop
// goroutine only.
func (r *Reactor) After(delay time.Duration, task TaskFunc) {
	r.timedTasks = append(r.timedTasks, timedTask{at: time.Now().Add(delay), task: task})
}

// RegisterTimer creates a timer that will not fire until UpdateTimer
// gives it a waketime. Loop goroutine only (or before Run).
func (r *Reactor) RegisterTimer(callback TimerCallback) *Timer {
	t := &Timer{callback: callback, waketime: Never}
	r.timers = append(r.timers, t)
	return t
}

// UpdateTimer sets the timer's next waketime. Use Never to stop it.
// Loop goroutine only.
func (r *Reactor) UpdateTimer(t *Timer, waketime time.Time) {
	t.waketime = waketime
}

// Run executes the event loop until ctx is cancelled. All callbacks run
// on the calling goroutine.
func (r *Reactor) Run(ctx context.Context) error {
	// Unblock epoll_wait when the context is cancelled.
	go func() {
		<-ctx.Done()
		r.wake()
	}()

	defer r.closeFds()

	var events [64]unix.EpollEvent
	for ctx.Err() == nil {
		now := time.Now()
		r.runTimers(now)
		r.runTimedTasks(now)
		r.runTasks(now)

		count, err := unix.EpollWait(r.epollFd, events[:], r.pollTimeout(time.Now()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		dispatchTime := time.Now()
		for i := 0; i < count; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeRead {
				r.drainWakeup()
				continue
			}
			// The handler may have been unregistered by an earlier
			// callback in this same batch.
			if callback, ok := r.handlers[fd]; ok {
				callback(dispatchTime)
			}
		}
	}
	return nil
}

// runTimers fires every due timer and records its next waketime.
func (r *Reactor) runTimers(now time.Time) {
	for _, t := range r.timers {
		if !t.waketime.Equal(Never) && !now.Before(t.waketime) {
			t.waketime = t.callback(now)
		}
	}
}

// runTimedTasks executes due one-shot timed tasks and keeps the rest.
func (r *Reactor) runTimedTasks(now time.Time) {
	if len(r.timedTasks) == 0 {
		return
	}
	var due []TaskFunc
	remaining := r.timedTasks[:0]
	for _, tt := range r.timedTasks {
		if now.Before(tt.at) {
			remaining = append(remaining, tt)
		} else {
			due = append(due, tt.task)
		}
	}
	r.timedTasks = remaining
	for _, task := range due {
		task(now)
	}
}

// runTasks drains the cross-goroutine task queue.
func (r *Reactor) runTasks(now time.Time) {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, task := range tasks {
		task(now)
	}
}

// pollTimeout computes the epoll_wait timeout in milliseconds: zero when
// work is already queued, the delay to the earliest timer or timed task
// otherwise, and -1 (block indefinitely) when nothing is scheduled.
func (r *Reactor) pollTimeout(now time.Time) int {
	r.mu.Lock()
	pending := len(r.tasks) > 0
	r.mu.Unlock()
	if pending {
		return 0
	}

	next := Never
	for _, t := range r.timers {
		if !t.waketime.Equal(Never) && t.waketime.Before(next) {
			next = t.waketime
		}
	}
	for _, tt := range r.timedTasks {
		if tt.at.Before(next) {
			next = tt.at
		}
	}
	if next.Equal(Never) {
		return -1
	}

	delay := next.Sub(now)
	if delay <= 0 {
		return 0
	}
	// Round up so a timer is never polled just before it is due.
	return int(delay/time.Millisecond) + 1
}

// wake makes a pending epoll_wait return. A full pipe already guarantees
// a wakeup, so EAGAIN is ignored.
func (r *Reactor) wake() {
	var buf [1]byte
	unix.Write(r.wakeWrite, buf[:])
}

// drainWakeup empties the wakeup pipe.
func (r *Reactor) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) closeFds() {
	unix.Close(r.epollFd)
	unix.Close(r.wakeRead)
	unix.Close(r.wakeWrite)
}
