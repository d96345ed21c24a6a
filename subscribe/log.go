package subscribe

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `subscribe` package:
// Info:
//     abnormal events only. silent on a healthy subscription, except one time
//     connect/subscribe summaries. this includes:
//     - connection and auth errors, reconnects
//     - protocol errors reported by the server
//     - state invariant violations
// V(1):
//     notices forwarded by the server
// V(2):
//     per event trace (frames, buffered rows, flushes)

const LogLevelNotice = glog.Level(1)
const LogLevelDebug = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
