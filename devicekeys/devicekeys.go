// Package devicekeys implements the XKEYADD/XKEYSYNC key store: each
// account has a capped set of device public keys, identified by a
// fixed-width fingerprint, that XKEYSYNC streams as a sorted diff and
// XKEYADD appends to one at a time.
package devicekeys

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"sort"
	"sync"

	"github.com/Splintermail/splintermail-client-sub000/account"
	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
	"github.com/Splintermail/splintermail-client-sub000/imapwire"
)

// Store is the device-key persistence contract that HandleXkeyadd and
// Diff operate against.
type Store interface {
	ListFingerprints(accountID string) ([]string, error)
	GetPubkey(accountID, fingerprint string) ([]byte, error)
	Count(accountID string) (int, error)
	Add(accountID string, pem []byte) (fingerprint string, err error)
	Remove(accountID, fingerprint string) error
}

// SQLStore is the concrete Store, backed by account.DB under a per-account
// keyed lock. A single global lock would serialize XKEYADD calls for
// every account in the system against each other; keying by account ID
// keeps unrelated accounts independent while still making the
// count-then-insert sequence for one account atomic (the Open-Question
// decision recorded in DESIGN.md).
type SQLStore struct {
	db account.DB
	cap int

	locksMu sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLStore builds a Store with the given per-account device cap.
func NewSQLStore(db account.DB, cap int) *SQLStore {
	return &SQLStore{db: db, cap: cap, locks: make(map[string]*sync.Mutex)}
}

func (s *SQLStore) lockFor(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *SQLStore) ListFingerprints(accountID string) ([]string, error) {
	return s.db.ListFingerprints(accountID)
}

func (s *SQLStore) GetPubkey(accountID, fingerprint string) ([]byte, error) {
	return s.db.GetPubkey(accountID, fingerprint)
}

func (s *SQLStore) Count(accountID string) (int, error) {
	return s.db.CountKeys(accountID)
}

// Add parses and fingerprints pemBytes, then appends it under the
// account's keyed lock, enforcing the device cap.
// Adding an already-known key is idempotent, not an error.
func (s *SQLStore) Add(accountID string, pemBytes []byte) (string, error) {
	fpr, err := Fingerprint(pemBytes)
	if err != nil {
		return "", err
	}

	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.db.GetPubkey(accountID, fpr); err == nil && existing != nil {
		return fpr, nil
	}

	n, err := s.db.CountKeys(accountID)
	if err != nil {
		return "", err
	}
	if n >= s.cap {
		return "", errs.New(errkind.Fixedsize, "device key capacity (%d) exceeded", s.cap)
	}
	if err := s.db.AddKey(accountID, fpr, pemBytes); err != nil {
		return "", err
	}
	return fpr, nil
}

func (s *SQLStore) Remove(accountID, fingerprint string) error {
	return s.db.RemoveKey(accountID, fingerprint)
}

// Fingerprint computes the 40-hex-character key identity: SHA-256 of the
// DER-encoded SubjectPublicKeyInfo, truncated to its first 20 bytes
// (RFC 6698-style truncation), then hex-encoded.
func Fingerprint(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", errs.New(errkind.Value, "XKEYADD payload is not valid PEM")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return "", errs.Wrap(errkind.Value, err, "XKEYADD payload is not a valid public key")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:20]), nil
}

// HandleXkeyadd implements the single-shot key ingest algorithm.
// cmd.Args[0] is expected to be the PEM literal; the account ID comes
// from the caller (citm.Instance), which already knows which account
// this connection authenticated as.
func HandleXkeyadd(store Store, accountID string, cmd *imapwire.Command) *imapwire.Response {
	if len(cmd.Args) != 1 {
		return imapwire.TaggedBAD(cmd.Tag, "XKEYADD requires exactly one literal argument")
	}
	fpr, err := store.Add(accountID, cmd.Args[0].Val)
	if err != nil {
		if errs.KindOf(err) == errkind.Fixedsize {
			return imapwire.TaggedNO(cmd.Tag, "device key capacity exceeded")
		}
		return imapwire.TaggedBAD(cmd.Tag, err.Error())
	}
	return imapwire.TaggedOK(cmd.Tag, "XKEYADD "+fpr, "key added")
}

// diff computes the sorted three-way split between the client's claimed
// fingerprint set (from the XKEYSYNC command line) and the server's
// current set: fingerprints only on the server are CREATED, fingerprints
// only on the client are DELETED. Grounded on
// original_source/server/xkey/xkeysync.c's sorted-merge diff.
func diff(clientSorted, serverSorted []string) (created, deleted []string) {
	i, j := 0, 0
	for i < len(clientSorted) && j < len(serverSorted) {
		switch {
		case clientSorted[i] == serverSorted[j]:
			i++
			j++
		case clientSorted[i] < serverSorted[j]:
			deleted = append(deleted, clientSorted[i])
			i++
		default:
			created = append(created, serverSorted[j])
			j++
		}
	}
	deleted = append(deleted, clientSorted[i:]...)
	created = append(created, serverSorted[j:]...)
	return created, deleted
}

// Diff is diff exported for testing and for the streaming handler.
func Diff(clientFprs []string, store Store, accountID string) (created, deleted []string, err error) {
	client := append([]string(nil), clientFprs...)
	sort.Strings(client)

	server, err := store.ListFingerprints(accountID)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(server)

	c, d := diff(client, server)
	return c, d, nil
}
