package gps

import (
	"bytes"
	"fmt"
)

// MissingDataError indicates a node id or header was referenced but is not
// present in the preloaded arrays. It is always fatal: the engine does not
// try to guess at missing data, it propagates straight back to the caller.
type MissingDataError struct {
	What string
	ID   int
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing data: no %s for id %d", e.What, e.ID)
}

// BackingStoreError wraps a failure reading from the Store while fetching a
// chunk body. The current resolve call aborts; the Context and its caches
// remain usable for later calls. Disk cache read failures are logged and
// fall through to the Store rather than producing this error.
type BackingStoreError struct {
	Op  string
	Err error
}

func (e *BackingStoreError) Error() string {
	return fmt.Sprintf("backing store failure during %s: %s", e.Op, e.Err)
}

func (e *BackingStoreError) Unwrap() error {
	return e.Err
}

// RoundLimitExceededError marks that the engine's round budget ran out
// before a consistent assignment, or definitive failure, was reached. It is
// never returned to callers of Resolve - see ResolutionImpossibleError.
type RoundLimitExceededError struct {
	Rounds int
}

func (e *RoundLimitExceededError) Error() string {
	return fmt.Sprintf("resolution did not converge within %d rounds", e.Rounds)
}

// ResolutionImpossibleError is the terminal conflict the engine reaches when
// a backjump finds no pin left to retry. It carries the identifier whose pin
// attempt failed last, with the requirements demanding it, for diagnostics;
// Resolve itself discards this detail and reports (resolved=false,
// depth=-1).
type ResolutionImpossibleError struct {
	Causes []causeTrace
}

type causeTrace struct {
	name NameId
	info []information
}

func (e *ResolutionImpossibleError) Error() string {
	if len(e.Causes) == 0 {
		return "resolution impossible: no consistent assignment exists"
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "resolution impossible:")
	for _, c := range e.Causes {
		fmt.Fprintf(&buf, "\n\tname %d could not be satisfied by %d demanding requirement(s)", c.name, len(c.info))
	}
	return buf.String()
}
