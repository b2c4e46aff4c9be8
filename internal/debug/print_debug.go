//go:build debug

package debug

import (
	"fmt"
	"os"
)

const Debug = true

// Print writes to stderr so debug chatter never mixes with command output,
// which callers parse as JSON.
func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "DEBUG: "+format, args...)
}
