// Package syncerr classifies synchronization failures. Every failure carries
// the directory, remote url and ref involved, so callers can log something
// actionable, and a Kind that can be matched with errors.Is.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a failure class
type Kind int

const (
	// InvalidLocalState means the directory holds unrelated data
	InvalidLocalState Kind = iota + 1

	// RemoteURLMismatch means the existing repository tracks another remote
	RemoteURLMismatch

	// RemoteUnreachable means the remote could not be queried
	RemoteUnreachable

	// RefNotFound means the requested branch or tag isn't advertised
	RefNotFound

	// InvalidRef means a resolved hash could not be checked out
	InvalidRef

	// CloneFailed means the initial clone (or its branch setup) failed
	CloneFailed

	// CheckoutConflict means local changes prevent a checkout
	CheckoutConflict

	// MergeFailed means fetch or merge failed, or left unmerged paths
	MergeFailed

	// EnumerationFailed means the working tree couldn't be walked
	EnumerationFailed

	// StampFailed means the consistency stamp couldn't be persisted
	StampFailed
)

var kindNames = map[Kind]string{
	InvalidLocalState: "invalid local state",
	RemoteURLMismatch: "remote url mismatch",
	RemoteUnreachable: "remote unreachable",
	RefNotFound:       "ref not found",
	InvalidRef:        "invalid ref",
	CloneFailed:       "clone failed",
	CheckoutConflict:  "checkout conflict",
	MergeFailed:       "merge failed",
	EnumerationFailed: "enumeration failed",
	StampFailed:       "stamp failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified synchronization failure
type Error struct {
	Kind      Kind
	Directory string
	URL       string
	Ref       string
	Err       error
}

// New returns a classified error. cause may be nil.
func New(kind Kind, dir, url, ref string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Directory: dir,
		URL:       url,
		Ref:       ref,
		Err:       cause,
	}
}

func (e *Error) Error() string {
	var ctx []string
	if e.Directory != "" {
		ctx = append(ctx, "dir="+e.Directory)
	}
	if e.URL != "" {
		ctx = append(ctx, "url="+e.URL)
	}
	if e.Ref != "" {
		ctx = append(ctx, "ref="+e.Ref)
	}

	msg := e.Kind.String()
	if len(ctx) > 0 {
		msg += " (" + strings.Join(ctx, " ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's Kind
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
