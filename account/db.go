// Package account implements the persistence layer backing the CITM
// proxy and its device-key store, using GORM the way
// sessions/session.go's setupDB/selectDBMS/migrations builds the
// asset-db connection.
package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	migrate "github.com/rubenv/sql-migrate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Splintermail/splintermail-client-sub000/config"
	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
)

// DB is every account-store operation the account package exposes, plus
// the device-key operations devicekeys.Store needs.
type DB interface {
	CreateAccount(email, password string) (id string, err error)
	ValidateLogin(email, password string) (id string, err error)
	AddSessionAuth(accountID string, ttl time.Duration) (token string, err error)
	ValidateSessionAuth(token string) (accountID string, err error)
	SessionLogout(token string) error
	NewCSRF(accountID string, ttl time.Duration) (token string, err error)

	ListDevices(accountID string) ([]DeviceKey, error)
	ListAliases(accountID string) ([]Alias, error)
	AddRandomAlias(accountID string) (address string, err error)
	AddPrimaryAlias(accountID, address string) error
	DeleteAlias(accountID, address string) error

	ListTokens(accountID string) ([]Token, error)
	AddToken(accountID, secret string) (id string, err error)
	DeleteToken(accountID, id string) error

	ListInstallations(accountID string) ([]Installation, error)
	AddInstallation(accountID, label string) (id string, err error)
	DeleteInstallation(accountID, id string) error

	SubdomainUser(label string) (accountID string, err error)
	SetChallenge(label, value string, ttl time.Duration) error
	DeleteChallenge(label, value string) error
	ListChallenges(label string) ([]Challenge, error)

	AccountInfo(accountID string) (*Account, error)
	ChangePassword(accountID, newPassword string) error
	ValidateUserPassword(accountID, password string) (bool, error)
	UserOwnsAddress(accountID, address string) (bool, error)

	GCSessionsAndCSRF(now time.Time) (removed int, err error)
	ListDeletions(since time.Time) ([]Deletion, error)

	// Device-key operations used by package devicekeys.
	ListFingerprints(accountID string) ([]string, error)
	GetPubkey(accountID, fingerprint string) ([]byte, error)
	CountKeys(accountID string) (int, error)
	AddKey(accountID, fingerprint string, pubkey []byte) error
	RemoveKey(accountID, fingerprint string) error
}

// GormDB is the concrete DB backed by GORM.
type GormDB struct {
	sql *gorm.DB
	dbtype string
}

// Open connects to and migrates the database named by cfg, mirroring
// sessions.session.setupDB's selectDBMS+migrations split.
func Open(cfg *config.Database) (*GormDB, error) {
	g := &GormDB{}
	if err := g.selectDBMS(cfg); err != nil {
		return nil, err
	}
	if err := g.migrate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *GormDB) selectDBMS(cfg *config.Database) error {
	system := strings.ToLower(cfg.System)
	var dialector gorm.Dialector
	switch system {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.DBName)
		dialector = postgres.Open(dsn)
		g.dbtype = "postgres"
	case "sqlite", "sqlite3", "":
		path := cfg.Path
		if path == "" {
			path = "splintermail.sqlite"
		}
		dialector = sqlite.Open(path)
		g.dbtype = "sqlite3"
	default:
		return errs.New(errkind.Param, "unsupported database system: %s", cfg.System)
	}

	sql, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return errs.Wrap(errkind.Internal, err, "failed to open account database")
	}
	g.sql = sql
	return nil
}

func (g *GormDB) migrate() error {
	var src migrate.EmbedFileSystemMigrationSource
	switch g.dbtype {
	case "postgres":
		src = migrate.EmbedFileSystemMigrationSource{FileSystem: postgresMigrations, Root: "migrations/postgres"}
	case "sqlite3":
		src = migrate.EmbedFileSystemMigrationSource{FileSystem: sqliteMigrations, Root: "migrations/sqlite3"}
	}
	sqlDB, err := g.sql.DB()
	if err != nil {
		return errs.Wrap(errkind.Internal, err, "failed to extract raw sql.DB from gorm")
	}
	if _, err := migrate.Exec(sqlDB, g.dbtype, src, migrate.Up); err != nil {
		return errs.Wrap(errkind.Internal, err, "account database migration failed")
	}
	return nil
}

func newID() string { return uuid.NewString() }
