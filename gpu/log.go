package gpu

import (
	"fmt"
	"os"
	"time"
)

// Debug enables device-level tracing through Log.
var Debug = os.Getenv("CARDIOLOOM_GPU_DEBUG") != ""

// Log prints a timestamped trace line.
func Log(format string, args ...any) {
	fmt.Printf("[gpu %s] %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}
