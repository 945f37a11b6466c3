package mock

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
)

// ErrorMode defines the type of error to inject
type ErrorMode int

const (
	// ErrorModeNone indicates no error injection
	ErrorModeNone ErrorMode = iota
	// ErrorModeDatastoreFull fails allocations and resizes for lack of space
	ErrorModeDatastoreFull
	// ErrorModeAuthFail rejects every call as unauthenticated
	ErrorModeAuthFail
	// ErrorModeAPIFail fails every call with an internal error
	ErrorModeAPIFail
)

// ErrorInjector decides which calls fail and with which OpenNebula error
type ErrorInjector struct {
	mode         ErrorMode
	operationNum int
	triggerAfter int
	mu           sync.Mutex
}

// NewErrorInjector creates a new error injector from configuration
func NewErrorInjector(config MockOnedConfig) *ErrorInjector {
	return &ErrorInjector{
		mode:         ParseErrorMode(config.ErrorMode),
		triggerAfter: config.ErrorAfterN,
	}
}

// ParseErrorMode converts string error mode to ErrorMode constant
func ParseErrorMode(s string) ErrorMode {
	switch s {
	case "datastore_full":
		return ErrorModeDatastoreFull
	case "auth_fail":
		return ErrorModeAuthFail
	case "api_fail":
		return ErrorModeAPIFail
	case "none", "":
		return ErrorModeNone
	default:
		klog.Warningf("Unknown error mode %q, using none", s)
		return ErrorModeNone
	}
}

// SetMode switches the injection mode and resets the operation counter
func (e *ErrorInjector) SetMode(mode ErrorMode, afterN int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	e.triggerAfter = afterN
	e.operationNum = 0
}

// Check returns the error method should fail with, or nil
func (e *ErrorInjector) Check(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	switch e.mode {
	case ErrorModeDatastoreFull:
		if method != "one.image.allocate" && method != "one.vm.diskresize" {
			return nil
		}
		err = one.NewError(method, one.CodeAction, fmt.Sprintf("[%s] Not enough space in datastore", method))
	case ErrorModeAuthFail:
		err = one.NewError(method, one.CodeAuthentication, fmt.Sprintf("[%s] User couldn't be authenticated, aborting call.", method))
	case ErrorModeAPIFail:
		err = one.NewError(method, one.CodeInternal, fmt.Sprintf("[%s] Internal error", method))
	default:
		return nil
	}

	e.operationNum++
	if e.operationNum <= e.triggerAfter {
		return nil
	}
	return err
}

// Reset resets the operation counter for test isolation
func (e *ErrorInjector) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operationNum = 0
}
