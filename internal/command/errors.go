// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package command

import "fmt"

// Ensure ParsingError implements the error interface.
var _ error = &ParsingError{}

// ParsingError signals that a command template could not be parsed or
// rendered against a run. It carries the template source so the failure
// surfaces at plan time with enough context to fix the configuration,
// never at fork dispatch.
type ParsingError struct {
	// Source is the command template as the configuration declared it.
	Source string

	err error
}

func newParsingError(source string, err error) *ParsingError {
	return &ParsingError{
		Source: source,
		err:    err,
	}
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("command template parsing error in %q: %v", e.Source, e.err)
}

func (e *ParsingError) Unwrap() error {
	return e.err
}

func (e *ParsingError) Is(target error) bool {
	if e == nil || target == nil {
		return e == target
	}

	if t, ok := target.(*ParsingError); ok {
		return e.Error() == t.Error()
	}

	return false
}
