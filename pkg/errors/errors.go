// Package errors provides a structured error system for the PVFS2 client core,
// with error codes, categories, and retry/propagation hints (spec.md §6, §7).
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Code is a structured error code drawn from the shared PVFS error space
// (spec.md §6). The core never translates these into host-OS errno at its
// own boundary; higher layers (FUSE shim, CLI, out of scope here) do.
type Code string

// Error codes, grouped by the taxonomy of spec.md §7.
const (
	// Namespace errors — surfaced immediately, never retried.
	CodeNotFound        Code = "ENOENT"
	CodeAlreadyExists   Code = "EEXIST"
	CodeNotDirectory    Code = "ENOTDIR"
	CodeNameTooLong     Code = "ENAMETOOLONG"
	CodeTooManySymlinks Code = "ELOOP"

	// Permission/auth errors — surfaced immediately, never retried.
	CodeSecurity         Code = "ESECURITY" // expired/invalid capability or credential
	CodePermissionDenied Code = "EACCES"

	// Transient errors — retried with backoff up to the message array's
	// retry limit (spec.md §4.3 step 5).
	CodeTimeout         Code = "ETIMEDOUT"
	CodeConnection      Code = "ECONNFAILED"
	CodeServerBusy      Code = "ESERVERBUSY"
	CodeServerOutOfMem  Code = "ESERVERNOMEM"

	// Resource errors — surfaced immediately.
	CodeOutOfMemory     Code = "ENOMEM"
	CodeBufferTooSmall  Code = "EMSGSIZE"
	CodeOverflow        Code = "EOVERFLOW"
	CodeInvalid         Code = "EINVAL"

	// Structural errors — fatal for the operation, not retried.
	CodeProtocol Code = "EPROTO"

	// Misc / fallback.
	CodeNotImplemented Code = "ENOSYS"
	CodeAlready        Code = "EALREADY"
	CodeCanceled       Code = "ECANCELED"
	CodeInternal       Code = "EINTERNAL"
)

// Category is the broad error taxonomy of spec.md §7, used to decide the
// retry policy a caller (message array, sysint SM) should apply.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryAuth       Category = "auth"
	CategoryNamespace  Category = "namespace"
	CategoryStructural Category = "structural"
	CategoryResource   Category = "resource"
	CategoryPartial    Category = "partial"
	CategoryInternal   Category = "internal"
)

var categoryByCode = map[Code]Category{
	CodeTimeout:        CategoryTransient,
	CodeConnection:     CategoryTransient,
	CodeServerBusy:     CategoryTransient,
	CodeServerOutOfMem: CategoryTransient,

	CodeSecurity:         CategoryAuth,
	CodePermissionDenied: CategoryAuth,

	CodeNotFound:        CategoryNamespace,
	CodeAlreadyExists:   CategoryNamespace,
	CodeNotDirectory:    CategoryNamespace,
	CodeNameTooLong:     CategoryNamespace,
	CodeTooManySymlinks: CategoryNamespace,

	CodeProtocol: CategoryStructural,

	CodeOutOfMemory:    CategoryResource,
	CodeBufferTooSmall: CategoryResource,
	CodeOverflow:       CategoryResource,
	CodeInvalid:        CategoryResource,
}

// Category returns the category a code belongs to, defaulting to internal.
func (c Code) Category() Category {
	if cat, ok := categoryByCode[c]; ok {
		return cat
	}
	return CategoryInternal
}

// Retryable reports whether the code's category is retried by the message
// array's retry policy (spec.md §4.3, §7).
func (c Code) Retryable() bool {
	return c.Category() == CategoryTransient
}

// PVFSError is a structured error carrying the code, the component/operation
// that raised it, and enough context to decide retry/propagation behavior.
type PVFSError struct {
	Code      Code                   `json:"code"`
	Category  Category               `json:"category"`
	Message   string                 `json:"message"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
}

// Error implements the error interface.
func (e *PVFSError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, for errors.Is/As compatibility.
func (e *PVFSError) Unwrap() error { return e.Cause }

// Is reports code equality for errors.Is compatibility.
func (e *PVFSError) Is(target error) bool {
	if o, ok := target.(*PVFSError); ok {
		return e.Code == o.Code
	}
	return false
}

// JSON renders the error as a JSON document for structured logging.
func (e *PVFSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// New creates a PVFSError, filling category and retryability from the code.
func New(code Code, component, message string) *PVFSError {
	return &PVFSError{
		Code:      code,
		Category:  code.Category(),
		Message:   message,
		Component: component,
		Timestamp: time.Now(),
		Retryable: code.Retryable(),
	}
}

// WithOperation sets the operation name and returns the receiver.
func (e *PVFSError) WithOperation(op string) *PVFSError {
	e.Operation = op
	return e
}

// WithCause attaches an underlying cause and returns the receiver.
func (e *PVFSError) WithCause(cause error) *PVFSError {
	e.Cause = cause
	return e
}

// WithDetail attaches a detail key/value and returns the receiver.
func (e *PVFSError) WithDetail(key string, value interface{}) *PVFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// String renders a detailed representation for logging, mirroring the
// multi-field style the rest of this codebase uses for diagnostics.
func (e *PVFSError) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Code=%s", e.Code), fmt.Sprintf("Category=%s", e.Category))
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("PVFSError{%s}", strings.Join(parts, ", "))
}
