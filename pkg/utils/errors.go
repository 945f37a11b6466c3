package utils

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Sentinel errors for the error kinds reported to the container orchestrator.
// Wrap them with fmt.Errorf("%w: ...") at the point of detection and convert
// with ToStatus at the gRPC boundary. Use errors.Is() rather than string matching.
var (
	// ErrInvalidArgument indicates a malformed or missing request field
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates the referenced volume, node, device or path does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the request conflicts with existing state of a different shape
	ErrAlreadyExists = errors.New("already exists")

	// ErrFailedPrecondition indicates the operation is not valid for the current remote state
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrOutOfRange indicates the datastore has no capacity left
	ErrOutOfRange = errors.New("out of range")

	// ErrInternal indicates a remote API failure, local tool failure or inconsistent state
	ErrInternal = errors.New("internal error")
)

var sentinelCodes = []struct {
	err  error
	code codes.Code
}{
	{ErrInvalidArgument, codes.InvalidArgument},
	{ErrNotFound, codes.NotFound},
	{ErrAlreadyExists, codes.AlreadyExists},
	{ErrFailedPrecondition, codes.FailedPrecondition},
	{ErrOutOfRange, codes.OutOfRange},
	{ErrInternal, codes.Internal},
}

// Code returns the gRPC code an error should be reported with.
// Errors that already carry a gRPC status keep their code, context errors map
// to DeadlineExceeded/Canceled and anything unclassified is Internal.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// ToStatus converts err into a gRPC status error, keeping the message.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := Code(err)
	if code == codes.Internal {
		klog.Errorf("[INTERNAL ERROR] %v", err)
	}
	return status.Error(code, SanitizeErrorMessage(err.Error()))
}

// Errorf wraps one of the sentinel errors with a formatted message.
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// credentialPattern matches the "user:password" session string of the
// OpenNebula API as well as URL userinfo.
var credentialPattern = regexp.MustCompile(`(?i)(session|auth|password)[=: ]+\S+|//[^/@\s]+:[^/@\s]+@`)

// SanitizeErrorMessage removes credentials that may have leaked into an error
// message before it is returned to the orchestrator.
func SanitizeErrorMessage(msg string) string {
	return credentialPattern.ReplaceAllStringFunc(msg, func(m string) string {
		if m[0] == '/' {
			return "//[REDACTED]@"
		}
		return credentialPattern.ReplaceAllString(m, "$1=[REDACTED]")
	})
}
