package tagclient

import (
	"errors"
	"fmt"

	"github.com/timzifer/eiptag/cip"
)

// Kind classifies where an operation failed.
type Kind int

const (
	KindResolution Kind = iota + 1
	KindHandshake
	KindTransport
	KindInvalidAddress
	KindRemoteRejected
	KindTypeMismatch
	KindWriteRejected
)

// Sentinels matched by errors.Is against ConnectionError and TagError.
var (
	ErrResolutionFailed = errors.New("resolution failed")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrTransport        = errors.New("transport error")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrRemoteRejected   = errors.New("remote rejected")
	ErrTypeMismatch     = errors.New("type mismatch")
	ErrWriteRejected    = errors.New("write rejected")

	// ErrClosed is the cause reported for calls on a closed Conn.
	ErrClosed = errors.New("connection closed")
	// ErrConnectionBroken is the cause reported after an earlier transport failure.
	ErrConnectionBroken = errors.New("connection broken by earlier transport failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindResolution:
		return ErrResolutionFailed
	case KindHandshake:
		return ErrHandshakeFailed
	case KindTransport:
		return ErrTransport
	case KindInvalidAddress:
		return ErrInvalidAddress
	case KindRemoteRejected:
		return ErrRemoteRejected
	case KindTypeMismatch:
		return ErrTypeMismatch
	case KindWriteRejected:
		return ErrWriteRejected
	default:
		return nil
	}
}

func (k Kind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) label() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindHandshake:
		return "handshake"
	case KindTransport:
		return "transport"
	case KindInvalidAddress:
		return "invalid_address"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindWriteRejected:
		return "write_rejected"
	default:
		return "error"
	}
}

// ConnectionError reports a failed Connect.
type ConnectionError struct {
	Kind    Kind
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *ConnectionError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// TagError reports a failed tag read or write. Status is set for remote
// rejections and carries the controller's general and extended status.
type TagError struct {
	Op     string
	Tag    string
	Kind   Kind
	Status *cip.StatusError
	Err    error
}

func (e *TagError) Error() string {
	return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Tag, e.Kind, e.Err)
}

func (e *TagError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *TagError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// IsTransport reports whether err means the session is unusable and the caller
// should reconnect.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// classifyStatus maps a controller rejection to a tag error kind.
func classifyStatus(op string, status *cip.StatusError) Kind {
	if op != opWrite {
		return KindRemoteRejected
	}
	switch {
	case status.Status == cip.StatusPrivilegeViolation,
		status.Status == cip.StatusAttributeNotSettable,
		status.Status == cip.StatusGeneralError && status.HasExtended(cip.ExtendedTypeMismatch):
		return KindWriteRejected
	default:
		return KindRemoteRejected
	}
}
