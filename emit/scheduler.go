package emit

import "time"

// TimerHandle is a scheduled one-shot task. Cancel must be safe to call
// more than once and after the task already ran.
type TimerHandle interface {
	Cancel()
}

type Scheduler interface {
	Schedule(task func(), after time.Duration) TimerHandle
}

type timerScheduler struct{}

// DefaultScheduler runs tasks on their own goroutine via time.AfterFunc.
var DefaultScheduler Scheduler = timerScheduler{}

func (timerScheduler) Schedule(task func(), after time.Duration) TimerHandle {
	return afterFuncHandle{timer: time.AfterFunc(after, task)}
}

type afterFuncHandle struct {
	timer *time.Timer
}

func (h afterFuncHandle) Cancel() {
	h.timer.Stop()
}
