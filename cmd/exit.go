package cmd

import "errors"

// exitError pairs an error with the process exit code it should produce,
// matching spec.md §6's process contract (0 clean, 1 startup failure, 2
// unrecoverable runtime error). A plain error from any other command
// exits 1, cobra's own default.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func startupError(err error) error {
	return &exitError{code: 1, err: err}
}

func runtimeError(err error) error {
	return &exitError{code: 2, err: err}
}

// ExitCode extracts the process exit code associated with err. A nil err
// is 0; any error without an attached code is 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
