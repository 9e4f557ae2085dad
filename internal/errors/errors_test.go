package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/argus-sec/argus/internal/models"
)

func TestClassifySniffsIdentityErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"app not found", errors.New("oauth2: AADSTS700016: Application not found in the directory"), ClassAppNotConsented},
		{"consent required", errors.New("AADSTS65001: The user or administrator has not consented"), ClassAppNotConsented},
		{"consent_required hint", errors.New(`{"error":"consent_required"}`), ClassAppNotConsented},
		{"tenant not found", errors.New("AADSTS90002: Tenant 'x' not found"), ClassTenantNotFound},
		{"tenant does not exist", errors.New("the specified tenant does not exist"), ClassTenantNotFound},
		{"http 403", errors.New("unexpected status 403"), ClassPermissionDenied},
		{"graph denial", errors.New("Authorization_RequestDenied: Insufficient privileges"), ClassPermissionDenied},
		{"forbidden text", errors.New("request Forbidden"), ClassPermissionDenied},
		{"anything else", errors.New("connection reset by peer"), ClassGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify("fetch_signins", "t1", tt.err)
			if got.Class != tt.want {
				t.Errorf("Classify(%v).Class = %q, want %q", tt.err, got.Class, tt.want)
			}
		})
	}
}

func TestClassifyPreservesExistingPollError(t *testing.T) {
	t.Parallel()

	orig := New(ClassAuditLogDisabled, "start_subscription", "t1", errors.New("AF20023"))
	wrapped := fmt.Errorf("tenant run: %w", orig)

	got := Classify("fetch_audit", "t1", wrapped)
	if got != orig {
		t.Error("expected Classify to return the embedded PollError unchanged")
	}
	if ClassOf(wrapped) != ClassAuditLogDisabled {
		t.Errorf("ClassOf = %q, want auditLogDisabled", ClassOf(wrapped))
	}
}

func TestClassTenantStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		class Class
		want  models.TenantStatus
	}{
		{ClassAppNotConsented, models.TenantStatusAppNotConsented},
		{ClassTenantNotFound, models.TenantStatusTenantNotFound},
		{ClassPermissionDenied, models.TenantStatusPermissionDenied},
		{ClassAuditLogDisabled, models.TenantStatusAuditLogDisabled},
		{ClassGeneric, models.TenantStatusError},
		{Class("mystery"), models.TenantStatusError},
	}
	for _, tt := range tests {
		if got := tt.class.TenantStatus(); got != tt.want {
			t.Errorf("%q.TenantStatus() = %q, want %q", tt.class, got, tt.want)
		}
	}
}

func TestPollErrorIs(t *testing.T) {
	t.Parallel()

	denied := New(ClassPermissionDenied, "fetch_signins", "t1", errors.New("403")).WithStatusCode(403)
	if !errors.Is(denied, ErrForbidden) {
		t.Error("expected permission-denied error to satisfy ErrForbidden")
	}
	if !IsAuthError(denied) {
		t.Error("expected permission-denied error to be an auth error")
	}

	notFound := New(ClassTenantNotFound, "fetch_signins", "t1", errors.New("gone"))
	if !errors.Is(notFound, ErrNotFound) {
		t.Error("expected tenant-not-found error to satisfy ErrNotFound")
	}

	generic := New(ClassGeneric, "fetch_signins", "t1", errors.New("boom"))
	if IsAuthError(generic) {
		t.Error("expected generic error not to be an auth error")
	}
	if IsAuthError(nil) {
		t.Error("expected nil not to be an auth error")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("0123456789abc", 10); got != "0123456789" {
		t.Errorf("Truncate = %q", got)
	}
}
