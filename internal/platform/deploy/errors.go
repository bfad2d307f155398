package deploy

import (
	"errors"
	"fmt"
)

// ErrNilObject is returned by Install and Uninstall when given no object.
var ErrNilObject = errors.New("deploy: nil object")

// NoHandlerError is returned when no handler is registered for an object
// kind. It indicates a configuration defect and is never retried.
type NoHandlerError struct {
	Kind string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.Kind)
}

// IsNoHandler reports whether err is or wraps a NoHandlerError.
func IsNoHandler(err error) bool {
	var nh *NoHandlerError
	return errors.As(err, &nh)
}

// DuplicateHandlerError is returned by NewRegistry when two handlers declare
// the same kind.
type DuplicateHandlerError struct {
	Kind     string
	Existing ObjectHandler
	Incoming ObjectHandler
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("kind %s declared by both %T and %T", e.Kind, e.Existing, e.Incoming)
}

// KindMismatchError is returned by FetchAs when the handler yields an object
// of a different Go type than requested.
type KindMismatchError struct {
	Kind string
	Got  Object
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("handler for %s returned unexpected type %T", e.Kind, e.Got)
}
