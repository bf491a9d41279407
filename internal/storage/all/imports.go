// Package all wires every built-in storage backend into the storage factory.
// Import it for side effects:
//
//	import _ "songetl/internal/storage/all"
//
// after which storage.New accepts the kinds "postgres", "sqlite", "mysql" and
// "mssql".
package all

import (
	_ "songetl/internal/storage/mssql"
	_ "songetl/internal/storage/mysql"
	_ "songetl/internal/storage/postgres"
	_ "songetl/internal/storage/sqlite"
)
