package observability

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	logrusPkg   = "github.com/sirupsen/logrus."
	wrapperPkg  = "github.com/coachpo/bookstream/internal/observability."
	maxCallerPC = 24
)

// callerHook rewrites the reported caller so it names the call site of the
// Logger method rather than the LogrusLogger wrapper.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, maxCallerPC)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !wrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func wrapperFrame(fn string) bool {
	if strings.HasPrefix(fn, logrusPkg) {
		return true
	}
	rest, ok := strings.CutPrefix(fn, wrapperPkg)
	if !ok {
		return false
	}
	return strings.HasPrefix(rest, "(*LogrusLogger).") || strings.HasPrefix(rest, "callerHook.")
}
