package one

import (
	"errors"
	"fmt"
	"strings"
)

// OpenNebula XML-RPC error codes.
const (
	CodeSuccess        = 0x0000
	CodeAuthentication = 0x0100
	CodeAuthorization  = 0x0200
	CodeNoExists       = 0x0400
	CodeAction         = 0x0800
	CodeXMLRPCAPI      = 0x1000
	CodeInternal       = 0x2000
	CodeAllocate       = 0x4000
	CodeLocked         = 0x8000
)

// Reason is the machine-checkable classification of a failed API call.
type Reason int

const (
	// ReasonOther is any failure not covered by a more specific reason.
	ReasonOther Reason = iota

	// ReasonNotFound means the referenced image or VM does not exist.
	ReasonNotFound

	// ReasonWrongState means the VM is in the middle of another action.
	// The call is expected to succeed once the VM settles.
	ReasonWrongState

	// ReasonInUse means the image is used by one or more VMs.
	ReasonInUse

	// ReasonNoSpace means the datastore cannot hold the requested size.
	ReasonNoSpace

	// ReasonRejected means the action was refused for a terminal reason.
	ReasonRejected

	// ReasonAuth means the session was not authenticated or authorized.
	ReasonAuth
)

// String returns the reason as used in logs and metric labels.
func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonWrongState:
		return "wrong_state"
	case ReasonInUse:
		return "in_use"
	case ReasonNoSpace:
		return "no_space"
	case ReasonRejected:
		return "rejected"
	case ReasonAuth:
		return "auth"
	default:
		return "other"
	}
}

// Error is a failed OpenNebula API call.
type Error struct {
	Method  string
	Code    int
	Message string
	Reason  Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s, code 0x%04x): %s", e.Method, e.Reason, e.Code, e.Message)
}

// messagePatterns maps message fragments returned by oned to a reason. The
// first match wins, so more specific fragments come first.
var messagePatterns = []struct {
	fragment string
	reason   Reason
}{
	{"wrong state", ReasonWrongState},
	{"not enough space", ReasonNoSpace},
	{"not enough capacity", ReasonNoSpace},
	{"vms using it", ReasonInUse},
	{"already in use", ReasonInUse},
	{"error getting virtual machine", ReasonNotFound},
	{"error getting image", ReasonNotFound},
	{"does not exist", ReasonNotFound},
}

// Classify derives the reason of a failed call from its error code and message.
func Classify(code int, message string) Reason {
	lower := strings.ToLower(message)
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.fragment) {
			return p.reason
		}
	}

	switch code {
	case CodeNoExists:
		return ReasonNotFound
	case CodeAuthentication, CodeAuthorization:
		return ReasonAuth
	case CodeAction, CodeAllocate, CodeLocked:
		return ReasonRejected
	default:
		return ReasonOther
	}
}

// NewError builds a classified Error.
func NewError(method string, code int, message string) *Error {
	return &Error{
		Method:  method,
		Code:    code,
		Message: message,
		Reason:  Classify(code, message),
	}
}

// ReasonOf returns the reason of err, or ReasonOther if err is not an *Error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonOther
}

// IsNotFound reports whether err means the image or VM does not exist.
func IsNotFound(err error) bool { return ReasonOf(err) == ReasonNotFound }

// IsWrongState reports whether err is the transient wrong-state condition.
func IsWrongState(err error) bool { return ReasonOf(err) == ReasonWrongState }

// IsInUse reports whether err means the image is used by a VM.
func IsInUse(err error) bool { return ReasonOf(err) == ReasonInUse }

// IsNoSpace reports whether err means the datastore is full.
func IsNoSpace(err error) bool { return ReasonOf(err) == ReasonNoSpace }
