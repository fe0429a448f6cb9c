package core

import "errors"

var (
	// ErrValidation is returned for malformed input. It is always raised before any side effect.
	ErrValidation = errors.New("invalid input")
	// ErrUnauthenticated is returned when an identity cannot be verified.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrDependencyUnavailable is returned when the cache or the durable store cannot be reached.
	// Callers may retry.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrConstraintViolation is returned by the durable store when a record references a missing
	// room or user.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrNotRoomMember is returned when a user tries to access a room it does not belong to.
	ErrNotRoomMember = errors.New("not a member of the room")
	// ErrNotJoined is returned when a connection sends to a room it has not joined.
	ErrNotJoined = errors.New("room not joined")
)

type Error struct {
	msg string
	err error
	// sensitive is a flag to indicate if the error is sensitive or not.
	// If it is not, it can be returned to the client.
	Sensitive bool
}

func NewError(msg string, sensitive bool) *Error {
	return &Error{msg: msg, Sensitive: sensitive}
}

func NewSensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: true}
}

func NewInsensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: false}
}

// WrapInsensitive attaches a client safe message to err.
func WrapInsensitive(msg string, err error) *Error {
	return &Error{msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// ClientMessage returns the message that may be shown to a client.
func ClientMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && !e.Sensitive {
		return e.msg
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotJoined) || errors.Is(err, ErrNotRoomMember) {
		return err.Error()
	}
	return fallback
}
