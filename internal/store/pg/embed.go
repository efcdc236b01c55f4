package pg

import "embed"

// Files holds the schema migrations under migrations/ and the catalog seeds
// under seeds/.
//
//go:embed migrations/*.sql seeds/*.sql
var Files embed.FS
