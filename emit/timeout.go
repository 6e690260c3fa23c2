package emit

import "time"

// timeoutHook holds the timeout configuration of a push. It has no locking
// of its own; Push serializes every access.
type timeoutHook struct {
	after    time.Duration
	callback TimeoutFunc
	timer    TimerHandle
}

func newTimeoutHook(after time.Duration) *timeoutHook {
	return &timeoutHook{after: after}
}

func (h *timeoutHook) hasCallback() bool {
	return h.callback != nil
}

func (h *timeoutHook) armed() bool {
	return h.timer != nil
}

func (h *timeoutHook) arm(timer TimerHandle) {
	h.timer = timer
}

func (h *timeoutHook) disarm() {
	if h.timer == nil {
		return
	}
	h.timer.Cancel()
	h.timer = nil
}
