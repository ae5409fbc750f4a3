package chat

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	Internal ErrorKind = iota
	MissingArguments
	InvalidChatId
	EmptyMessage
	Unauthorized
	InvalidToken
	RoomInactive
	MessageTooLong
)

var kindNames = map[ErrorKind]string{
	Internal:         "internal",
	MissingArguments: "missing_arguments",
	InvalidChatId:    "invalid_chat_id",
	EmptyMessage:     "empty_message",
	Unauthorized:     "unauthorized",
	InvalidToken:     "invalid_token",
	RoomInactive:     "room_inactive",
	MessageTooLong:   "message_too_long",
}

// reasons are the human readable strings sent to clients.
var reasons = map[ErrorKind]string{
	Internal:         "Error: Temporary Storage Error.",
	MissingArguments: "Error: Missing Arguments.",
	InvalidChatId:    "Error: Invalid Chat ID.",
	EmptyMessage:     "Error: Empty Message.",
	Unauthorized:     "Error: Unauthorized.",
	InvalidToken:     "Error: Invalid Token.",
	RoomInactive:     "Error: Room Inactive.",
	MessageTooLong:   "Error: Message Too Long.",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a request scoped failure. It never outlives the request that caused it.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error // cause, internal errors only
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind) *Error {
	return &Error{Kind: kind, Reason: reasons[kind]}
}

// NewInternalError wraps err. Its cause is logged, never sent to clients.
func NewInternalError(err error) *Error {
	return &Error{Kind: Internal, Reason: reasons[Internal], Err: err}
}

func internalError(err error) *Error {
	return NewInternalError(err)
}

// KindOf classifies err. Errors not raised by this package are Internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Reason returns the client visible reason of err. Causes of internal errors are not exposed.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return reasons[Internal]
}
