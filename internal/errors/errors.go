package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/argus-sec/argus/internal/models"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
)

// Class categorizes a per-tenant polling failure. Each class maps onto a
// tenant status so operators can see why a tenant stopped producing events.
type Class string

const (
	ClassAppNotConsented  Class = "appNotConsented"
	ClassTenantNotFound   Class = "tenantNotFound"
	ClassPermissionDenied Class = "permissionDenied"
	ClassAuditLogDisabled Class = "auditLogDisabled"
	ClassGeneric          Class = "error"
)

// TenantStatus maps an error class onto the tenant status it should record.
func (c Class) TenantStatus() models.TenantStatus {
	switch c {
	case ClassAppNotConsented:
		return models.TenantStatusAppNotConsented
	case ClassTenantNotFound:
		return models.TenantStatusTenantNotFound
	case ClassPermissionDenied:
		return models.TenantStatusPermissionDenied
	case ClassAuditLogDisabled:
		return models.TenantStatusAuditLogDisabled
	default:
		return models.TenantStatusError
	}
}

// PollError is a structured error for upstream polling operations.
type PollError struct {
	Class      Class
	Op         string // Operation that failed (e.g., "fetch_signins", "start_subscription")
	TenantID   string
	Err        error // Underlying error
	StatusCode int   // HTTP status code if applicable
	Timestamp  time.Time
}

func (e *PollError) Error() string {
	if e.TenantID != "" {
		return fmt.Sprintf("%s failed for tenant %s: %v", e.Op, e.TenantID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support for the base error types.
func (e *PollError) Is(target error) bool {
	switch target {
	case ErrUnauthorized, ErrForbidden:
		return e.Class == ClassPermissionDenied || e.Class == ClassAppNotConsented
	case ErrNotFound:
		return e.Class == ClassTenantNotFound
	}
	return errors.Is(e.Err, target)
}

// New creates a PollError with an explicit class.
func New(class Class, op, tenantID string, err error) *PollError {
	return &PollError{
		Class:     class,
		Op:        op,
		TenantID:  tenantID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode attaches the HTTP status code that produced the error.
func (e *PollError) WithStatusCode(code int) *PollError {
	e.StatusCode = code
	return e
}

// Classify extracts the failure class from an arbitrary error, wrapping it
// in a PollError when the upstream did not already produce one.
func Classify(op, tenantID string, err error) *PollError {
	var pollErr *PollError
	if errors.As(err, &pollErr) {
		return pollErr
	}
	return New(classFromMessage(err), op, tenantID, err)
}

// ClassOf returns the class recorded on err, or ClassGeneric when err does
// not carry one.
func ClassOf(err error) Class {
	var pollErr *PollError
	if errors.As(err, &pollErr) {
		return pollErr.Class
	}
	return ClassGeneric
}

// IsAuthError reports whether an error is an authentication-class failure
// that should re-surface to the orchestrator rather than degrade to an
// empty fetch.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var pollErr *PollError
	if errors.As(err, &pollErr) {
		switch pollErr.Class {
		case ClassAppNotConsented, ClassTenantNotFound, ClassPermissionDenied:
			return true
		}
		if pollErr.StatusCode == 401 || pollErr.StatusCode == 403 {
			return true
		}
	}

	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
		return true
	}

	return classFromMessage(err) != ClassGeneric
}

// classFromMessage sniffs well-known identity platform error codes out of
// an error string. AADSTS codes are stable identifiers documented by the
// platform; matching on them keeps classification working across client
// library changes.
func classFromMessage(err error) Class {
	if err == nil {
		return ClassGeneric
	}
	msg := err.Error()

	switch {
	case strings.Contains(msg, "AADSTS700016"), // application not found in directory
		strings.Contains(msg, "AADSTS65001"), // consent required
		strings.Contains(msg, "consent_required"):
		return ClassAppNotConsented
	case strings.Contains(msg, "AADSTS90002"), // tenant not found
		strings.Contains(msg, "tenant does not exist"):
		return ClassTenantNotFound
	case strings.Contains(msg, "403"),
		strings.Contains(msg, "Authorization_RequestDenied"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "Forbidden"):
		return ClassPermissionDenied
	}
	return ClassGeneric
}

// Truncate bounds an error message for storage in a tenant status row.
func Truncate(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
