// Package lsferr defines the error kinds of the log-structured file
// system core (spec §7) and small helpers for classifying wrapped
// errors. Every package wraps the sentinels below with
// github.com/pkg/errors so a caller can still see the underlying
// cause via errors.Cause while switching on Kind.
package lsferr

import "github.com/pkg/errors"

type Kind int

const (
	KindNone Kind = iota
	KindIO
	KindNoMem
	KindNoSpace
	KindCorrupt
	KindExist
	KindNoEnt
	KindNotDir
	KindIsDir
	KindNotEmpty
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "i/o failure"
	case KindNoMem:
		return "out of memory"
	case KindNoSpace:
		return "out of space"
	case KindCorrupt:
		return "corruption"
	case KindExist:
		return "exists"
	case KindNoEnt:
		return "no such entry"
	case KindNotDir:
		return "not a directory"
	case KindIsDir:
		return "is a directory"
	case KindNotEmpty:
		return "not empty"
	case KindInvalid:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// kindError is the sentinel carrying a Kind; wrap it with errors.Wrap
// to add call-site context without losing the classification.
type kindError struct {
	kind Kind
}

func (e *kindError) Error() string { return e.kind.String() }

var (
	IO       = &kindError{KindIO}
	NoMem    = &kindError{KindNoMem}
	NoSpace  = &kindError{KindNoSpace}
	Corrupt  = &kindError{KindCorrupt}
	Exist    = &kindError{KindExist}
	NoEnt    = &kindError{KindNoEnt}
	NotDir   = &kindError{KindNotDir}
	IsDir    = &kindError{KindIsDir}
	NotEmpty = &kindError{KindNotEmpty}
	Invalid  = &kindError{KindInvalid}
)

// KindOf walks the error's cause chain for a *kindError and returns
// its Kind, or KindNone if the error was never classified.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		cause := errors.Unwrap(err)
		if cause == nil {
			type causer interface{ Cause() error }
			if c, ok := err.(causer); ok {
				cause = c.Cause()
			}
		}
		if cause == err {
			break
		}
		err = cause
	}
	return KindNone
}

// Is reports whether err's classified Kind matches target's, the way
// callers compare against a sentinel (e.g. lsferr.Is(err, lsferr.NoEnt))
// rather than against a bare Kind value.
func Is(err error, target error) bool {
	ke, ok := target.(*kindError)
	if !ok {
		return false
	}
	return KindOf(err) == ke.kind
}
