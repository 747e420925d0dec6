// Copyright 2024-2026 Aiku AI

// Package upgrades holds the database schema and its forward-only
// migrations. The bridge refuses to start on a schema version newer than it
// knows.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is registered as the upgrade table of the bridge database.
var Table dbutil.UpgradeTable

//go:embed *.sql
var rawUpgrades embed.FS

func init() {
	Table.RegisterFS(rawUpgrades)
}
