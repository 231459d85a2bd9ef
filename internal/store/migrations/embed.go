// Package migrations embeds the guard_config_revisions schema so the
// Postgres store can run golang-migrate against it without a separate
// migrations directory on disk at deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
