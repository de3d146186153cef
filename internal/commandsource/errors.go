package commandsource

import (
	"errors"
	"fmt"
)

var (
	// ErrJobLost is returned by a worker callback whose job no longer has a
	// connection to answer on.
	ErrJobLost           = errors.New("coordinator job lost")
	ErrIllegalTransition = errors.New("illegal worker state transition")
)

// ConstructionError means the source could not acquire its resource and no
// stream was started.
type ConstructionError struct {
	Source string
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("start %s source: %v", e.Source, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// RecordError reports one record or job that could not be decoded. The stream
// carries on after it.
type RecordError struct {
	Index int
	ID    string
	Err   error
}

func (e *RecordError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("record %q: %v", e.ID, e.Err)
	case e.Index > 0:
		return fmt.Sprintf("record %d: %v", e.Index, e.Err)
	default:
		return fmt.Sprintf("record: %v", e.Err)
	}
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a coordinator job whose response can no longer be
// delivered because its connection went away.
type ConnectionError struct {
	JobID      string
	Generation uint64
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("coordinator connection %d lost: %v", e.Generation, e.Err)
	}
	return fmt.Sprintf("job %s lost with coordinator connection %d: %v", e.JobID, e.Generation, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TerminalStreamError is the last item of a worker stream that gave up
// reconnecting.
type TerminalStreamError struct {
	Attempts int
	Err      error
}

func (e *TerminalStreamError) Error() string {
	return fmt.Sprintf("coordinator unreachable after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalStreamError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should make the process exit non-zero.
func IsFatal(err error) bool {
	var construction *ConstructionError
	var terminal *TerminalStreamError
	return errors.As(err, &construction) || errors.As(err, &terminal)
}
