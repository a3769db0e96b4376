package slurm

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("job_start", ErrCodeInvalidParameters, "invalid node bitmap")

	if err.Op != "job_start" {
		t.Errorf("Expected Op=job_start, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "slurm: invalid node bitmap (op=job_start)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("attach_client", ErrCodePermissionDenied, syscall.EPERM)

	if err.Errno != syscall.EPERM {
		t.Errorf("Expected Errno=EPERM, got %v", err.Errno)
	}
	if err.Code != ErrCodePermissionDenied {
		t.Errorf("Expected Code=ErrCodePermissionDenied, got %s", err.Code)
	}
}

func TestJobError(t *testing.T) {
	err := NewJobError("job_fini", "job-123", ErrCodeUnknownJob, "job not tracked")

	if err.JobID != "job-123" {
		t.Errorf("Expected JobID=job-123, got %s", err.JobID)
	}
	if err.Component != "gang" {
		t.Errorf("Expected Component=gang, got %s", err.Component)
	}

	expected := "slurm: job not tracked (op=job_fini)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestTaskError(t *testing.T) {
	err := NewTaskError("route_stdout", 42, ErrCodeIOError, "pipe closed")

	if err.Component != "iomux" {
		t.Errorf("Expected Component=iomux, got %s", err.Component)
	}
	if err.TaskID != 42 {
		t.Errorf("Expected TaskID=42, got %d", err.TaskID)
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.EPIPE
	err := WrapError("client_write", inner)

	if err.Code != ErrCodePeerGone {
		t.Errorf("Expected Code=ErrCodePeerGone, got %s", err.Code)
	}
	if err.Errno != syscall.EPIPE {
		t.Errorf("Expected Errno=EPIPE, got %v", err.Errno)
	}
	if !errors.Is(err, syscall.EPIPE) {
		t.Error("Expected wrapped error to satisfy errors.Is for EPIPE")
	}
}

func TestErrorIsMatchesOnCode(t *testing.T) {
	a := &Error{Code: ErrCodeTimeout}
	b := NewError("some_op", ErrCodeTimeout, "slow")

	if !errors.Is(b, a) {
		t.Error("expected errors with the same Code to satisfy errors.Is")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("scan", ErrCodeTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := NewErrorWithErrno("scan", ErrCodeIOError, syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}
	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}
	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOENT, ErrCodeUnknownJob},
		{syscall.EPIPE, ErrCodePeerGone},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.ENOSYS, ErrCodeNotImplemented},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
