// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes surfaced to plugin code.
const (
	CodeTransportFailed = "TRANSPORT_FAILED"
	CodePayloadType     = "PAYLOAD_TYPE_MISMATCH"
)

// ErrTransport is the sentinel matched by errors.Is for send failures.
var ErrTransport = errors.New("transport failure")

// TransportError wraps a Connection.Send failure.
func TransportError(connID string, cause error) error {
	if cause == nil {
		cause = ErrTransport
	}
	return oops.Code(CodeTransportFailed).
		With("connection", connID).
		Wrap(errors.Join(ErrTransport, cause))
}
