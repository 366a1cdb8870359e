// Completion: 100% - environment-variable configuration surface
package main

import (
	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"
)

// Environment variables this build honors, grounded on the teacher's
// own habit of keeping runtime knobs out of flag parsing when they're
// meant for CI/packaging use rather than everyday invocation.
const (
	envNoColor  = "NO_COLOR"
	envOptLevel = "TAPEC_OPT_LEVEL"
	envBackend  = "TAPEC_BACKEND"
)

// wantColor reports whether diagnostic output should use ANSI color.
// NO_COLOR (any non-empty value, per the no-color.org convention) always
// wins; absent that, color is used only when stderr looks like a
// terminal.
func wantColor() bool {
	if env.Bool(envNoColor) {
		return false
	}
	return isTerminal(2)
}

// isTerminal is a minimal isatty: a termios ioctl that only succeeds on
// an actual terminal device, issued through golang.org/x/sys/unix.
func isTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	return err == nil
}

// defaultOptLevel returns the -O level to use when the flag is not
// given on the command line, letting CI override the project-wide
// default without touching invocation scripts.
func defaultOptLevel() int {
	return env.Int(envOptLevel, 2)
}

// defaultBackend returns the -backend value to use when the flag is
// not given on the command line.
func defaultBackend() string {
	return env.Str(envBackend, "elf64")
}
