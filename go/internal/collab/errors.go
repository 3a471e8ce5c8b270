package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/scoresync/go/internal/registry"
	"github.com/mcdev12/scoresync/go/internal/session"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

// ErrorCode classifies sync failures for the observer.
type ErrorCode string

const (
	CodeConnectionFailed  ErrorCode = "connection_failed"
	CodeTimeout           ErrorCode = "timeout"
	CodeInvalidRoom       ErrorCode = "invalid_room"
	CodeSessionNotFound   ErrorCode = "session_not_found"
	CodeNetworkError      ErrorCode = "network_error"
	CodePasswordRequired  ErrorCode = "password_required"
	CodePasswordIncorrect ErrorCode = "password_incorrect"
	CodeServerDown        ErrorCode = "server_down"
	CodeRoomExists        ErrorCode = "room_exists"
	CodeRoomNotFound      ErrorCode = "room_not_found"
)

// Input errors are returned before any state transition.
var (
	ErrDisplayNameRequired = errors.New("display name required")
	ErrInvalidJoinChoice   = errors.New("invalid join choice")
	ErrIncompatibleVersion = errors.New("local protocol version is below a peer's minimum")
)

// SyncError is a classified sync failure. errors.Is matches on Code, so
// callers can test against the Err* values below.
type SyncError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return string(e.Code)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Err == nil
}

var (
	ErrConnectionFailed  = &SyncError{Code: CodeConnectionFailed}
	ErrTimeout           = &SyncError{Code: CodeTimeout}
	ErrInvalidRoom       = &SyncError{Code: CodeInvalidRoom}
	ErrSessionNotFound   = &SyncError{Code: CodeSessionNotFound}
	ErrNetwork           = &SyncError{Code: CodeNetworkError}
	ErrPasswordRequired  = &SyncError{Code: CodePasswordRequired}
	ErrPasswordIncorrect = &SyncError{Code: CodePasswordIncorrect}
	ErrServerDown        = &SyncError{Code: CodeServerDown}
	ErrRoomExists        = &SyncError{Code: CodeRoomExists}
	ErrRoomNotFound      = &SyncError{Code: CodeRoomNotFound}
)

// Classify maps an error from the transports, registry or session store to
// its code.
func Classify(err error) ErrorCode {
	var se *SyncError
	switch {
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, transport.ErrUnavailable):
		return CodeConnectionFailed
	case errors.Is(err, transport.ErrServerDown):
		return CodeServerDown
	case errors.Is(err, transport.ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, transport.ErrPasswordRequired):
		return CodePasswordRequired
	case errors.Is(err, transport.ErrPasswordIncorrect):
		return CodePasswordIncorrect
	case errors.Is(err, registry.ErrInvalidCode):
		return CodeInvalidRoom
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrNoCurrent):
		return CodeSessionNotFound
	}
	return CodeNetworkError
}

func wrap(op string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return &SyncError{Code: Classify(err), Op: op, Err: err}
}

// Retryable reports whether waiting and reconnecting can fix the failure.
// Credential and room-existence failures need the user.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodePasswordRequired, CodePasswordIncorrect, CodeRoomNotFound, CodeInvalidRoom, CodeSessionNotFound:
		return false
	}
	return true
}
