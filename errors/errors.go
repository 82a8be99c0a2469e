// Package errors provides centralized error definitions for mailstore.
package errors

import (
	"errors"
	"fmt"
)

// Mailbox errors.
var (
	// ErrMailboxNotFound indicates the requested mailbox does not exist.
	ErrMailboxNotFound = errors.New("mailbox not found")

	// ErrMailboxExists indicates a mailbox already exists at the target path.
	ErrMailboxExists = errors.New("mailbox already exists")

	// ErrInvalidMailboxName indicates a mailbox name that cannot be stored.
	ErrInvalidMailboxName = errors.New("invalid mailbox name")

	// ErrReadOnly indicates the mailbox does not accept modifications.
	ErrReadOnly = errors.New("mailbox is read-only")
)

// Message errors.
var (
	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidRange indicates a malformed message range.
	ErrInvalidRange = errors.New("invalid message range")
)

// Session errors.
var (
	// ErrSessionClosed indicates the mailbox session has been closed.
	ErrSessionClosed = errors.New("session closed")
)

// Delivery errors.
var (
	// ErrNoRecipients indicates no valid recipients were provided.
	ErrNoRecipients = errors.New("no recipients")

	// ErrDeliveryFailed indicates message delivery failed.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Store errors.
var (
	// ErrStoreNotRegistered indicates the requested store type is not registered.
	ErrStoreNotRegistered = errors.New("store type not registered")

	// ErrStoreConfigInvalid indicates the store configuration is invalid.
	ErrStoreConfigInvalid = errors.New("invalid store configuration")
)

// Maildir errors.
var (
	// ErrMaildirNotFound indicates the maildir directory does not exist.
	ErrMaildirNotFound = errors.New("maildir not found")

	// ErrPathTraversal indicates a mailbox name resolved outside the base path.
	ErrPathTraversal = errors.New("path escapes base directory")

	// ErrUidListFormat indicates a corrupt uid-list file.
	ErrUidListFormat = errors.New("malformed uid list")
)

// FormatError describes a corrupt line in a persisted index file.
type FormatError struct {
	Path   string
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
}

// Unwrap lets callers match FormatError with errors.Is(err, ErrUidListFormat).
func (e *FormatError) Unwrap() error {
	return ErrUidListFormat
}

// StorageError wraps an I/O failure of the backing store.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err in a StorageError. It returns nil if err is nil.
func Storage(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// ResponseClass is the protocol-facing category of an error.
type ResponseClass int

const (
	// ResponseFailure is a generic failure; details are logged, not disclosed.
	ResponseFailure ResponseClass = iota
	// ResponseNoSuchMailbox maps to a "no such mailbox" (TRYCREATE) response.
	ResponseNoSuchMailbox
	// ResponseMailboxExists maps to a "mailbox exists" response.
	ResponseMailboxExists
)

func (c ResponseClass) String() string {
	switch c {
	case ResponseNoSuchMailbox:
		return "no-such-mailbox"
	case ResponseMailboxExists:
		return "mailbox-exists"
	default:
		return "failure"
	}
}

// Classify returns the response class for err.
func Classify(err error) ResponseClass {
	switch {
	case errors.Is(err, ErrMailboxNotFound), errors.Is(err, ErrMaildirNotFound):
		return ResponseNoSuchMailbox
	case errors.Is(err, ErrMailboxExists):
		return ResponseMailboxExists
	default:
		return ResponseFailure
	}
}
