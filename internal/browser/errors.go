package browser

import (
	"errors"
	"fmt"

	"pagepilot-mcp-server/internal/bridge"
)

var (
	// ErrPageNotFound means no live page handle matches the target. Re-resolve
	// instead of retrying the old handle.
	ErrPageNotFound = errors.New("page not found for target")
	// ErrStaleElement matches action errors that were probably caused by an
	// element index from an outdated snapshot.
	ErrStaleElement = errors.New("element reference is stale")
	// ErrNoSelector means none of the selector strategies applied to the element.
	ErrNoSelector = errors.New("no selector could be built for element")
	// ErrNotConnected is returned by protocol calls before Start.
	ErrNotConnected = errors.New("browser not connected")
	// ErrNoFocusedTarget means no page target is available to act on.
	ErrNoFocusedTarget = errors.New("no focused page target")
	// ErrElementNotFound means the requested index is not in the current selector map.
	ErrElementNotFound = errors.New("element index not found in current state")

	ErrInitialization = bridge.ErrInitialization
	ErrTimeout        = bridge.ErrTimeout
	ErrWorkerDead     = bridge.ErrWorkerDead
)

// ActionError reports that both the high-level attempt and the protocol fallback
// failed.
type ActionError struct {
	Action        string
	Element       string
	BackendNodeID int
	Cause         error
	Fallback      error
	// PossiblyStale is set when the failure pattern matches a page that changed
	// under a previously captured element index.
	PossiblyStale bool
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("failed to %s element %s", e.Action, e.Element)
	switch {
	case e.Cause != nil && e.Fallback != nil:
		msg += fmt.Sprintf(": %v (fallback: %v)", e.Cause, e.Fallback)
	case e.Cause != nil:
		msg += ": " + e.Cause.Error()
	case e.Fallback != nil:
		msg += ": " + e.Fallback.Error()
	}
	if e.PossiblyStale {
		msg += ". The element index may be stale. Get fresh browser state before retrying."
	}
	return msg
}

func (e *ActionError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// Is lets errors.Is(err, ErrStaleElement) select stale-looking failures.
func (e *ActionError) Is(target error) bool {
	return target == ErrStaleElement && e.PossiblyStale
}

// hardBridgeFailure reports errors that must not trigger a protocol fallback,
// because the outcome of the high-level attempt is unknown or the worker is gone.
func hardBridgeFailure(err error) bool {
	return errors.Is(err, bridge.ErrTimeout) || errors.Is(err, bridge.ErrWorkerDead)
}
