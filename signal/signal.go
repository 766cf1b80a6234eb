// Package signal maps the termination signals whaleinit cares about
// between their numeric form (used for exit-code arithmetic and log
// tags) and the syscall.Signal values the kernel delivers.
package signal

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Watched is the set of signals the supervisor blocks on its main
// thread and consumes one at a time from its signal channel.
var Watched = []unix.Signal{
	unix.SIGCHLD,
	unix.SIGTERM,
	unix.SIGINT,
	unix.SIGQUIT,
	unix.SIGHUP,
}

var names = map[unix.Signal]string{
	unix.SIGCHLD: "SIGCHLD",
	unix.SIGTERM: "SIGTERM",
	unix.SIGINT:  "SIGINT",
	unix.SIGQUIT: "SIGQUIT",
	unix.SIGHUP:  "SIGHUP",
	unix.SIGKILL: "SIGKILL",
}

// Name renders a signal the way log lines tag it, falling back to its
// numeric value for anything other than the watched set and SIGKILL.
func Name(s unix.Signal) string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("signal %d", int(s))
}

// ExitCode implements the "128 + S" convention used when shutdown was
// triggered by a terminating signal rather than an essential service's
// exit status.
func ExitCode(s unix.Signal) int {
	return 128 + int(s)
}
