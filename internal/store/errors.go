// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package store

import "github.com/samber/oops"

// Error codes.
const (
	CodeInvalidKey  = "KV_INVALID_KEY"
	CodeNotMigrated = "STORE_NOT_MIGRATED"
	CodeQueryFailed = "STORE_QUERY_FAILED"
	CodeConnect     = "STORE_CONNECT_FAILED"

	CodeMigrationSource  = "MIGRATION_SOURCE_FAILED"
	CodeMigrationInit    = "MIGRATION_INIT_FAILED"
	CodeMigrationUp      = "MIGRATION_UP_FAILED"
	CodeMigrationDown    = "MIGRATION_DOWN_FAILED"
	CodeMigrationVersion = "MIGRATION_VERSION_FAILED"
	CodeMigrationClose   = "MIGRATION_CLOSE_FAILED"
	CodeMigrationList    = "MIGRATION_LIST_FAILED"
)

// MaxKeyLen is the longest key a plugin may use.
const MaxKeyLen = 256

func validateKey(pluginID, key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return oops.In("store").
			Code(CodeInvalidKey).
			With("plugin", pluginID).
			With("key_len", len(key)).
			Errorf("key must be 1 to %d bytes", MaxKeyLen)
	}
	return nil
}
