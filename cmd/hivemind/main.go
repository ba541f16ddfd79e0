// Hivemind is a single-process multi-agent orchestration runtime: it
// decomposes a task, dispatches the pieces over a durable message log
// to a fleet of LLM-backed workers, and aggregates the results.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes of the CLI surface.
const (
	exitOK       = 0
	exitUsage    = 1
	exitTask     = 2
	exitBackend  = 3
	exitInternal = 4
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func taskErr(err error) error {
	return &exitError{code: exitTask, err: err}
}

func backendErr(err error) error {
	return &exitError{code: exitBackend, err: err}
}

func internalErr(err error) error {
	return &exitError{code: exitInternal, err: err}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUsage)
	}
	os.Exit(exitOK)
}
