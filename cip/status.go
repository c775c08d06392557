package cip

import (
	"fmt"
	"strings"
)

// Status is a CIP general status code.
type Status uint8

const (
	StatusSuccess              Status = 0x00
	StatusConnectionFailure    Status = 0x01
	StatusResourceUnavailable  Status = 0x02
	StatusPathSegmentError     Status = 0x04
	StatusPathDestUnknown      Status = 0x05
	StatusPartialTransfer      Status = 0x06
	StatusServiceNotSupported  Status = 0x08
	StatusAttributeNotSettable Status = 0x0E
	StatusPrivilegeViolation   Status = 0x0F
	StatusDeviceStateConflict  Status = 0x10
	StatusNotEnoughData        Status = 0x13
	StatusTooMuchData          Status = 0x15
	StatusEmbeddedServiceError Status = 0x1E
	StatusInvalidParameter     Status = 0x20
	StatusInvalidPathSize      Status = 0x26
	StatusGeneralError         Status = 0xFF
)

// Extended status words Logix controllers attach to StatusGeneralError.
const (
	ExtendedOutOfRange   uint16 = 0x2105
	ExtendedTypeMismatch uint16 = 0x2107
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionFailure:
		return "connection failure"
	case StatusResourceUnavailable:
		return "resource unavailable"
	case StatusPathSegmentError:
		return "path segment error"
	case StatusPathDestUnknown:
		return "path destination unknown"
	case StatusPartialTransfer:
		return "partial transfer"
	case StatusServiceNotSupported:
		return "service not supported"
	case StatusAttributeNotSettable:
		return "attribute not settable"
	case StatusPrivilegeViolation:
		return "privilege violation"
	case StatusDeviceStateConflict:
		return "device state conflict"
	case StatusNotEnoughData:
		return "not enough data"
	case StatusTooMuchData:
		return "too much data"
	case StatusEmbeddedServiceError:
		return "embedded service error"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusInvalidPathSize:
		return "invalid path size"
	case StatusGeneralError:
		return "general error"
	default:
		return "unknown status"
	}
}

// StatusError is a non-success message router reply.
type StatusError struct {
	Service  uint8
	Status   Status
	Extended []uint16
}

func (e *StatusError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service 0x%02X: status 0x%02X (%s)", e.Service, uint8(e.Status), e.Status)
	for _, ext := range e.Extended {
		fmt.Fprintf(&b, " ext 0x%04X", ext)
	}
	return b.String()
}

// HasExtended reports whether code is among the extended status words.
func (e *StatusError) HasExtended(code uint16) bool {
	for _, ext := range e.Extended {
		if ext == code {
			return true
		}
	}
	return false
}
