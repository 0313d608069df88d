package account

import "time"

// Account is one Splintermail user account, the root of every other table
// in this package.
type Account struct {
	ID string `gorm:"primaryKey"`
	Email string `gorm:"uniqueIndex"`
	PasswordHash string
	CreatedAt time.Time
}

// Session is a logged-in web session, distinct from an IMAP/CITM session;
// named for DB's AddSessionAuth/ValidateSessionAuth/SessionLogout.
type Session struct {
	Token string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CSRF is a short-lived anti-CSRF token minted alongside a Session.
type CSRF struct {
	Token string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	ExpiresAt time.Time
}

// DeviceKey is one XKEY public key registered for an account; Fingerprint
// is the 40-hex-char identity devicekeys.Fingerprint computes.
type DeviceKey struct {
	Fingerprint string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	Pubkey []byte
	CreatedAt time.Time
}

// Alias is one email alias (random or primary) belonging to an account.
type Alias struct {
	Address string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	Primary bool
	CreatedAt time.Time
}

// Token is an API token used for programmatic account access.
type Token struct {
	ID string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	Secret string
	CreatedAt time.Time
}

// Installation records one client installation.
type Installation struct {
	ID string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	Label string
	CreatedAt time.Time
}

// Subdomain maps a DNS label under the user zone back to an account, the
// join point between account and kvpsync.
type Subdomain struct {
	Label string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
}

// Challenge is an ACME dns-01 challenge value set for a subdomain.
type Challenge struct {
	Label string `gorm:"primaryKey"`
	Value string `gorm:"primaryKey"`
	ExpiresAt time.Time
}

// Deletion records an account (or sub-object) pending garbage collection,
// surfaced by ListDeletions for the replication producer to propagate.
type Deletion struct {
	ID string `gorm:"primaryKey"`
	Kind string
	RefID string
	CreatedAt time.Time
}
