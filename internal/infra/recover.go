package infra

import (
	"log/slog"
	"os"
	"runtime/debug"
)

// Recover is a last-resort panic handler for command entry points. It
// logs the panic with its stack and exits nonzero so supervisors see
// the crash.
func Recover() {
	if r := recover(); r != nil {
		slog.Error("panic",
			slog.Any("recovered", r),
			slog.String("stack", string(debug.Stack())))
		os.Exit(1)
	}
}
