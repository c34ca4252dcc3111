package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired        = sterrors.New("rfbridge: configuration is required")
	ErrLoggerRequired        = sterrors.New("rfbridge: logger is required")
	ErrStackRequired         = sterrors.New("rfbridge: diameter stack is required")
	ErrSinkRequired          = sterrors.New("rfbridge: event sink is required")
	ErrPublisherRequired     = sterrors.New("rfbridge: publisher is required")
	ErrNilMessage            = sterrors.New("rfbridge: message cannot be nil")
	ErrNotActive             = sterrors.New("rfbridge: adaptor is not active")
	ErrCreateActivity        = sterrors.New("rfbridge: unable to create activity")
	ErrUnexpectedSessionRole = sterrors.New("rfbridge: unexpected session role")
	ErrHandleExists          = sterrors.New("rfbridge: activity handle already registered")
	ErrRegistryClosed        = sterrors.New("rfbridge: activity registry is closed")
	ErrActivityEnded         = sterrors.New("rfbridge: activity has ended")
	ErrNotRequest            = sterrors.New("rfbridge: message is not a request")
	ErrRequestInFlight       = sterrors.New("rfbridge: a synchronous request is already in flight for this session")
	ErrAnswerTimeout         = sterrors.New("rfbridge: timed out waiting for answer")
	ErrNoApplicationID       = sterrors.New("rfbridge: no accounting application id configured")
	ErrUnknownEventType      = sterrors.New("rfbridge: unknown event type")
)

// CreateActivityError reports that the stack could not allocate a session for
// a new accounting dialog.
type CreateActivityError struct {
	Role string
	Err  error
}

// NewCreateActivityError wraps cause. A nil cause is reported as a nil
// session returned by the stack.
func NewCreateActivityError(role string, cause error) *CreateActivityError {
	return &CreateActivityError{Role: role, Err: cause}
}

func (e *CreateActivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rfbridge: unable to create %s accounting activity: stack returned no session", e.Role)
	}
	return fmt.Sprintf("rfbridge: unable to create %s accounting activity: %v", e.Role, e.Err)
}

func (e *CreateActivityError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrCreateActivity) match any CreateActivityError.
func (e *CreateActivityError) Is(target error) bool {
	return target == ErrCreateActivity
}

// ConfigValidationError wraps a configuration problem detected before the
// adaptor becomes active.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "rfbridge: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
