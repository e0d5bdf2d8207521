package domain

import (
	"errors"
	"fmt"
)

type FetchErrorKind uint8

const (
	FetchNetwork FetchErrorKind = iota + 1
	FetchParseFailure
	FetchEmptyResult
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchNetwork:
		return "network"
	case FetchParseFailure:
		return "parse_failure"
	case FetchEmptyResult:
		return "empty_result"
	default:
		return "unknown"
	}
}

// FetchError is the terminal failure of one source fetch.
type FetchError struct {
	Kind   FetchErrorKind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchErrorKindOf returns the kind of a wrapped FetchError, or 0.
func FetchErrorKindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
