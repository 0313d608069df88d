package account

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
)

func randomToken(nbytes int) string {
	b := make([]byte, nbytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// hashPassword salts and hashes a plaintext password with bcrypt; the
// salt is embedded in the returned hash, so no separate salt column is
// needed.
func hashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errs.Wrap(errkind.Internal, err, "password hashing failed")
	}
	return string(h), nil
}

func (g *GormDB) CreateAccount(email, password string) (string, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}
	acct := &Account{ID: newID(), Email: email, PasswordHash: hash, CreatedAt: time.Now()}
	if err := g.sql.Create(acct).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", errs.New(errkind.SqlDup, "account already exists: %s", email)
		}
		return "", errs.Wrap(errkind.Sql, err, "CreateAccount failed")
	}
	return acct.ID, nil
}

func (g *GormDB) ValidateLogin(email, password string) (string, error) {
	const q = "email = ?"
	if err := prepared(q, email); err != nil {
		return "", err
	}
	var acct Account
	err := g.sql.Where(q, email).First(&acct).Error
	if err == gorm.ErrRecordNotFound {
		return "", errs.New(errkind.Value, "invalid credentials")
	}
	if err != nil {
		return "", errs.Wrap(errkind.Sql, err, "ValidateLogin failed")
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return "", errs.New(errkind.Value, "invalid credentials")
	}
	return acct.ID, nil
}

func (g *GormDB) AddSessionAuth(accountID string, ttl time.Duration) (string, error) {
	sess := &Session{Token: randomToken(32), AccountID: accountID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(ttl)}
	if err := g.sql.Create(sess).Error; err != nil {
		return "", errs.Wrap(errkind.Sql, err, "AddSessionAuth failed")
	}
	return sess.Token, nil
}

func (g *GormDB) ValidateSessionAuth(token string) (string, error) {
	const q = "token = ? AND expires_at > ?"
	now := time.Now()
	if err := prepared(q, token, now); err != nil {
		return "", err
	}
	var sess Session
	err := g.sql.Where(q, token, now).First(&sess).Error
	if err == gorm.ErrRecordNotFound {
		return "", errs.New(errkind.Value, "session expired or unknown")
	}
	if err != nil {
		return "", errs.Wrap(errkind.Sql, err, "ValidateSessionAuth failed")
	}
	return sess.AccountID, nil
}

func (g *GormDB) SessionLogout(token string) error {
	const q = "token = ?"
	if err := prepared(q, token); err != nil {
		return err
	}
	if err := g.sql.Where(q, token).Delete(&Session{}).Error; err != nil {
		return errs.Wrap(errkind.Sql, err, "SessionLogout failed")
	}
	return nil
}

func (g *GormDB) NewCSRF(accountID string, ttl time.Duration) (string, error) {
	c := &CSRF{Token: randomToken(24), AccountID: accountID, ExpiresAt: time.Now().Add(ttl)}
	if err := g.sql.Create(c).Error; err != nil {
		return "", errs.Wrap(errkind.Sql, err, "NewCSRF failed")
	}
	return c.Token, nil
}

func (g *GormDB) ListDevices(accountID string) ([]DeviceKey, error) {
	const q = "account_id = ?"
	if err := prepared(q, accountID); err != nil {
		return nil, err
	}
	var keys []DeviceKey
	if err := g.sql.Where(q, accountID).Find(&keys).Error; err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "ListDevices failed")
	}
	return keys, nil
}

func (g *GormDB) ListAliases(accountID string) ([]Alias, error) {
	const q = "account_id = ?"
	if err := prepared(q, accountID); err != nil {
		return nil, err
	}
	var aliases []Alias
	if err := g.sql.Where(q, accountID).Find(&aliases).Error; err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "ListAliases failed")
	}
	return aliases, nil
}

func (g *GormDB) AddRandomAlias(accountID string) (string, error) {
	for attempt := 1; ; attempt++ {
		addr := randomToken(8) + "@user.splintermail.com"
		a := &Alias{Address: addr, AccountID: accountID, CreatedAt: time.Now()}
		err := g.sql.Create(a).Error
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", errs.Wrap(errkind.Sql, err, "AddRandomAlias failed")
		}
		if attempt == 5 { // a random address collided five times in a row
			return "", errs.Wrap(errkind.SqlDup, err, "AddRandomAlias: no free address after 5 attempts")
		}
	}
}

func (g *GormDB) AddPrimaryAlias(accountID, address string) error {
	a := &Alias{Address: address, AccountID: accountID, Primary: true, CreatedAt: time.Now()}
	if err := g.sql.Create(a).Error; err != nil {
		return errs.Wrap(errkind.Sql, err, "AddPrimaryAlias failed")
	}
	return nil
}

func (g *GormDB) DeleteAlias(accountID, address string) error {
	const q = "account_id = ? AND address = ?"
	if err := prepared(q, accountID, address); err != nil {
		return err
	}
	res := g.sql.Where(q, accountID, address).Delete(&Alias{})
	if res.Error != nil {
		return errs.Wrap(errkind.Sql, res.Error, "DeleteAlias failed")
	}
	if res.RowsAffected == 0 {
		return errs.New(errkind.Value, "alias not found")
	}
	return nil
}

func (g *GormDB) ListTokens(accountID string) ([]Token, error) {
	const q = "account_id = ?"
	if err := prepared(q, accountID); err != nil {
		return nil, err
	}
	var toks []Token
	if err := g.sql.Where(q, accountID).Find(&toks).Error; err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "ListTokens failed")
	}
	return toks, nil
}

func (g *GormDB) AddToken(accountID, secret string) (string, error) {
	t := &Token{ID: newID(), AccountID: accountID, Secret: secret, CreatedAt: time.Now()}
	if err := g.sql.Create(t).Error; err != nil {
		return "", errs.Wrap(errkind.Sql, err, "AddToken failed")
	}
	return t.ID, nil
}

func (g *GormDB) DeleteToken(accountID, id string) error {
	const q = "account_id = ? AND id = ?"
	if err := prepared(q, accountID, id); err != nil {
		return err
	}
	res := g.sql.Where(q, accountID, id).Delete(&Token{})
	if res.Error != nil {
		return errs.Wrap(errkind.Sql, res.Error, "DeleteToken failed")
	}
	return nil
}

func (g *GormDB) ListInstallations(accountID string) ([]Installation, error) {
	const q = "account_id = ?"
	if err := prepared(q, accountID); err != nil {
		return nil, err
	}
	var insts []Installation
	if err := g.sql.Where(q, accountID).Find(&insts).Error; err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "ListInstallations failed")
	}
	return insts, nil
}

func (g *GormDB) AddInstallation(accountID, label string) (string, error) {
	i := &Installation{ID: newID(), AccountID: accountID, Label: label, CreatedAt: time.Now()}
	if err := g.sql.Create(i).Error; err != nil {
		return "", errs.Wrap(errkind.Sql, err, "AddInstallation failed")
	}
	return i.ID, nil
}

func (g *GormDB) DeleteInstallation(accountID, id string) error {
	const q = "account_id = ? AND id = ?"
	if err := prepared(q, accountID, id); err != nil {
		return err
	}
	res := g.sql.Where(q, accountID, id).Delete(&Installation{})
	if res.Error != nil {
		return errs.Wrap(errkind.Sql, res.Error, "DeleteInstallation failed")
	}
	return nil
}

func (g *GormDB) SubdomainUser(label string) (string, error) {
	const q = "label = ?"
	if err := prepared(q, label); err != nil {
		return "", err
	}
	var s Subdomain
	err := g.sql.Where(q, label).First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return "", errs.New(errkind.Value, "no account owns subdomain %s", label)
	}
	if err != nil {
		return "", errs.Wrap(errkind.Sql, err, "SubdomainUser failed")
	}
	return s.AccountID, nil
}

func (g *GormDB) SetChallenge(label, value string, ttl time.Duration) error {
	c := &Challenge{Label: label, Value: value, ExpiresAt: time.Now().Add(ttl)}
	if err := g.sql.Save(c).Error; err != nil {
		return errs.Wrap(errkind.Sql, err, "SetChallenge failed")
	}
	return nil
}

func (g *GormDB) DeleteChallenge(label, value string) error {
	const q = "label = ? AND value = ?"
	if err := prepared(q, label, value); err != nil {
		return err
	}
	if err := g.sql.Where(q, label, value).Delete(&Challenge{}).Error; err != nil {
		return errs.Wrap(errkind.Sql, err, "DeleteChallenge failed")
	}
	return nil
}

func (g *GormDB) ListChallenges(label string) ([]Challenge, error) {
	const q = "label = ? AND expires_at > ?"
	now := time.Now()
	if err := prepared(q, label, now); err != nil {
		return nil, err
	}
	var out []Challenge
	if err := g.sql.Where(q, label, now).Find(&out).Error; err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "ListChallenges failed")
	}
	return out, nil
}

func (g *GormDB) AccountInfo(accountID string) (*Account, error) {
	const q = "id = ?"
	if err := prepared(q, accountID); err != nil {
		return nil, err
	}
	var a Account
	err := g.sql.Where(q, accountID).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.New(errkind.Value, "account not found")
	}
	if err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "AccountInfo failed")
	}
	return &a, nil
}

func (g *GormDB) ChangePassword(accountID, newPassword string) error {
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	const q = "id = ?"
	if err := prepared(q, accountID); err != nil {
		return err
	}
	res := g.sql.Model(&Account{}).Where(q, accountID).Update("password_hash", hash)
	if res.Error != nil {
		return errs.Wrap(errkind.Sql, res.Error, "ChangePassword failed")
	}
	return nil
}

func (g *GormDB) ValidateUserPassword(accountID, password string) (bool, error) {
	const q = "id = ?"
	if err := prepared(q, accountID); err != nil {
		return false, err
	}
	var a Account
	err := g.sql.Where(q, accountID).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errkind.Sql, err, "ValidateUserPassword failed")
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil, nil
}

func (g *GormDB) UserOwnsAddress(accountID, address string) (bool, error) {
	const q = "account_id = ? AND address = ?"
	if err := prepared(q, accountID, address); err != nil {
		return false, err
	}
	var cnt int64
	err := g.sql.Model(&Alias{}).Where(q, accountID, address).Count(&cnt).Error
	if err != nil {
		return false, errs.Wrap(errkind.Sql, err, "UserOwnsAddress failed")
	}
	return cnt > 0, nil
}

func (g *GormDB) GCSessionsAndCSRF(now time.Time) (int, error) {
	const q = "expires_at <= ?"
	if err := prepared(q, now); err != nil {
		return 0, err
	}
	res := g.sql.Where(q, now).Delete(&Session{})
	if res.Error != nil {
		return 0, errs.Wrap(errkind.Sql, res.Error, "GCSessionsAndCSRF (sessions) failed")
	}
	removed := int(res.RowsAffected)
	res2 := g.sql.Where(q, now).Delete(&CSRF{})
	if res2.Error != nil {
		return removed, errs.Wrap(errkind.Sql, res2.Error, "GCSessionsAndCSRF (csrf) failed")
	}
	return removed + int(res2.RowsAffected), nil
}

func (g *GormDB) ListDeletions(since time.Time) ([]Deletion, error) {
	const q = "created_at >= ?"
	if err := prepared(q, since); err != nil {
		return nil, err
	}
	var out []Deletion
	if err := g.sql.Where(q, since).Find(&out).Error; err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "ListDeletions failed")
	}
	return out, nil
}

// Device-key operations backing devicekeys.Store.

func (g *GormDB) ListFingerprints(accountID string) ([]string, error) {
	const q = "account_id = ?"
	if err := prepared(q, accountID); err != nil {
		return nil, err
	}
	var keys []DeviceKey
	if err := g.sql.Select("fingerprint").Where(q, accountID).Find(&keys).Error; err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "ListFingerprints failed")
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Fingerprint
	}
	return out, nil
}

func (g *GormDB) GetPubkey(accountID, fingerprint string) ([]byte, error) {
	const q = "account_id = ? AND fingerprint = ?"
	if err := prepared(q, accountID, fingerprint); err != nil {
		return nil, err
	}
	var k DeviceKey
	err := g.sql.Where(q, accountID, fingerprint).First(&k).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.New(errkind.Value, "no such device key")
	}
	if err != nil {
		return nil, errs.Wrap(errkind.Sql, err, "GetPubkey failed")
	}
	return k.Pubkey, nil
}

func (g *GormDB) CountKeys(accountID string) (int, error) {
	const q = "account_id = ?"
	if err := prepared(q, accountID); err != nil {
		return 0, err
	}
	var cnt int64
	if err := g.sql.Model(&DeviceKey{}).Where(q, accountID).Count(&cnt).Error; err != nil {
		return 0, errs.Wrap(errkind.Sql, err, "CountKeys failed")
	}
	return int(cnt), nil
}

func (g *GormDB) AddKey(accountID, fingerprint string, pubkey []byte) error {
	k := &DeviceKey{Fingerprint: fingerprint, AccountID: accountID, Pubkey: pubkey, CreatedAt: time.Now()}
	if err := g.sql.Create(k).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil // idempotent: adding an already-known key is not an error
		}
		return errs.Wrap(errkind.Sql, err, "AddKey failed")
	}
	return nil
}

func (g *GormDB) RemoveKey(accountID, fingerprint string) error {
	const q = "account_id = ? AND fingerprint = ?"
	if err := prepared(q, accountID, fingerprint); err != nil {
		return err
	}
	if err := g.sql.Where(q, accountID, fingerprint).Delete(&DeviceKey{}).Error; err != nil {
		return errs.Wrap(errkind.Sql, err, "RemoveKey failed")
	}
	return nil
}
