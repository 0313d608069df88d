package account

import "embed"

//go:embed migrations/sqlite3/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS
