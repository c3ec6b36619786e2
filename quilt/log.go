package quilt

import (
	"flag"
	"fmt"
	"strconv"
)

// Logging convention in the `quilt` package:
// Info:
//     essential events for abnormal behavior. This level should be silent
//     on normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - subscriber lag and drops
//     - reborn resets
//     - abnormal exits
// Warning:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial
//       operation (merge engine isolation)
// V(1)+:
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with resource ids that can be used to filter
//     - frequent events - e.g. put, fan-out, ack, retry - should be
//       summarized rather than logged per data point

// SetLogLevel maps the textual --log-level / LOG_LEVEL setting onto
// glog's verbosity flags.
func SetLogLevel(level string) error {
	verbosity := "0"
	switch level {
	case "", "info":
	case "debug":
		verbosity = "1"
	case "trace":
		verbosity = "2"
	default:
		if _, err := strconv.Atoi(level); err != nil {
			return fmt.Errorf("unknown log level %q", level)
		}
		verbosity = level
	}
	if err := flag.Set("v", verbosity); err != nil {
		return err
	}
	return flag.Set("logtostderr", "true")
}
