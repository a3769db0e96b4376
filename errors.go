package slurm

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured error carrying the context spec.md 7 requires:
// which operation failed, on what job/task, and why.
type Error struct {
	Op        string // Operation that failed (e.g. "job_start", "route_stdout")
	Component string // "iomux" or "gang" (empty if not applicable)
	JobID     string // Job ID (empty if not applicable)
	TaskID    uint16 // Task ID (0 if not applicable; GTaskID/LTaskID both fit here)
	Code      ErrorCode
	Errno     syscall.Errno // Kernel errno (0 if not applicable)
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Component))
	}
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.TaskID != 0 {
		parts = append(parts, fmt.Sprintf("task=%d", e.TaskID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("slurm: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("slurm: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category, shared by IO-MUX and GANG.
type ErrorCode string

const (
	ErrCodeNotImplemented     ErrorCode = "not implemented"
	ErrCodeUnknownPartition   ErrorCode = "unknown partition"
	ErrCodeUnknownJob         ErrorCode = "unknown job"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeResourceExhausted  ErrorCode = "resource exhausted"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodePeerGone           ErrorCode = "peer gone"
	ErrCodeInvariantViolation ErrorCode = "invariant violation"
)

// NewError creates a new structured error with no job/task context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewJobError creates a new job-scoped error (GANG operations).
func NewJobError(op, jobID string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Component: "gang", JobID: jobID, Code: code, Msg: msg}
}

// NewTaskError creates a new task-scoped error (IO-MUX operations).
func NewTaskError(op string, taskID uint16, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Component: "iomux", TaskID: taskID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with slurm context, mapping common
// syscall errnos to an ErrorCode when the wrapped error is bare.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if se, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			Component: se.Component,
			JobID:     se.JobID,
			TaskID:    se.TaskID,
			Code:      se.Code,
			Errno:     se.Errno,
			Msg:       se.Msg,
			Inner:     se.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeUnknownJob
	case syscall.EPIPE, syscall.ECONNRESET:
		return ErrCodePeerGone
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotImplemented
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Errno == errno
	}
	return false
}
