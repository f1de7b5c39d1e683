// Package rerror defines the typed error kinds that propagate out of a
// pass, so that callers (the scheduler, the CLI) can decide what is fatal
// to startup, what is fatal to a single template, and what is merely logged.
package rerror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error so that the scheduler and CLI can apply the
// propagation policy without string-matching messages.
type Kind string

const (
	KindCli                Kind = "CliError"
	KindConfig             Kind = "ConfigError"
	KindPathSyntax          Kind = "PathSyntaxError"
	KindUnresolvedVariable Kind = "UnresolvedVariable"
	KindMissingInput       Kind = "MissingInput"
	KindBadFormat          Kind = "BadFormat"
	KindBackendFailure     Kind = "BackendFailure"
	KindAuthFailure        Kind = "AuthFailure"
	KindTemplate           Kind = "TemplateError"
	KindIO                 Kind = "IoError"
	KindHook               Kind = "HookError"
)

// Error wraps an underlying error with a Kind, so that errors.Is/errors.As
// keep working through github.com/pkg/errors wrapping while still letting
// callers branch on the kind.
type Error struct {
	Kind Kind
	Err  error
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrap(err, msg)}
}

func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, rerror.Sentinel(rerror.KindAuthFailure)) work: any
// *Error target matches when its Kind equals e.Kind, whatever its cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinel builds an *Error of the given kind whose cause is just the kind
// name, useful only as an errors.Is target via the Is method above.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind, Err: errors.New(string(kind))}
}
