// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package errutil

import (
	"github.com/samber/oops"
)

// CauseCodeKey is the context key under which a wrapping error records the
// code of the error it wraps.
const CauseCodeKey = "cause_code"

// Code returns the oops code of err, or nil when err carries none.
func Code(err error) any {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code := oopsErr.Code(); code != nil && code != "" {
			return code
		}
	}
	return nil
}

// HasCode reports whether err carries the given oops code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}

// CauseCode returns the code recorded under CauseCodeKey, falling back to
// Code(err) when err records none.
func CauseCode(err error) any {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, found := oopsErr.Context()[CauseCodeKey]; found {
			return code
		}
	}
	return Code(err)
}
