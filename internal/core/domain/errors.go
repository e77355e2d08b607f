package domain

import (
	"fmt"
	"time"
)

// ErrorKind classifies connection errors
type ErrorKind string

const (
	KindDuplicateConnection ErrorKind = "DUPLICATE_CONNECTION"
	KindConnectionNotFound  ErrorKind = "CONNECTION_NOT_FOUND"
	KindCompressionFailed   ErrorKind = "COMPRESSION_FAILED"
	KindSignalingError      ErrorKind = "SIGNALING_ERROR"
	KindIceGatheringFailed  ErrorKind = "ICE_GATHERING_FAILED"
	KindMediaAccessDenied   ErrorKind = "MEDIA_ACCESS_DENIED"
)

// Sentinels for errors.Is. They match any ConnectionError of the same kind.
var (
	ErrDuplicateConnection = &ConnectionError{Kind: KindDuplicateConnection, Message: "connection already exists"}
	ErrConnectionNotFound  = &ConnectionError{Kind: KindConnectionNotFound, Message: "connection not found"}
	ErrCompressionFailed   = &ConnectionError{Kind: KindCompressionFailed, Message: "compression failed"}
	ErrSignaling           = &ConnectionError{Kind: KindSignalingError, Message: "signaling failed"}
	ErrIceGatheringFailed  = &ConnectionError{Kind: KindIceGatheringFailed, Message: "ice candidate rejected"}
	ErrMediaAccessDenied   = &ConnectionError{Kind: KindMediaAccessDenied, Message: "media access denied"}
)

// ConnectionError is the error record returned by every failing connection operation.
// It is never mutated after construction.
type ConnectionError struct {
	Kind          ErrorKind
	Message       string
	ParticipantID ParticipantID
	Timestamp     time.Time
	Details       map[string]interface{}
	Cause         error
}

// NewConnectionError creates a connection error stamped with the current time
func NewConnectionError(kind ErrorKind, participantID ParticipantID, message string, cause error) *ConnectionError {
	return &ConnectionError{
		Kind:          kind,
		Message:       message,
		ParticipantID: participantID,
		Timestamp:     time.Now(),
		Cause:         cause,
	}
}

// WithDetails returns a copy of the error carrying the given details
func (e *ConnectionError) WithDetails(details map[string]interface{}) *ConnectionError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(details))
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ParticipantID != "" {
		msg = fmt.Sprintf("%s (participant %s)", msg, e.ParticipantID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ConnectionError of the same kind
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first ConnectionError in err's chain, or "" if there is none
func KindOf(err error) ErrorKind {
	for err != nil {
		if ce, ok := err.(*ConnectionError); ok {
			return ce.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
