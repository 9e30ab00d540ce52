// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level with structured context.
// For oops errors the code and context map are added as attributes.
// attrs are appended as-is, so callers can tag the record with the
// plugin and topic it concerns.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	logAt(logger, slog.LevelError, msg, err, attrs...)
}

// LogWarn is LogError at warn level.
func LogWarn(logger *slog.Logger, msg string, err error, attrs ...any) {
	logAt(logger, slog.LevelWarn, msg, err, attrs...)
}

func logAt(logger *slog.Logger, level slog.Level, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields, attrs...)
	if oopsErr, ok := oops.AsOops(err); ok {
		fields = append(fields, "error", oopsErr.Error())
		if code := oopsErr.Code(); code != nil {
			fields = append(fields, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			fields = append(fields, "context", ctx)
		}
	} else {
		fields = append(fields, "error", err)
	}
	logger.Log(context.Background(), level, msg, fields...)
}
