package devicekeys

import (
	"crypto/ecdh"
	"crypto/x509"
	"sort"
	"testing"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
)

// memStore is a minimal in-memory Store used to exercise the diff and
// capacity logic without a real account.DB/GormDB behind it.
type memStore struct {
	cap int
	keys map[string][]byte // fingerprint -> pem
}

func newMemStore(cap int) *memStore { return &memStore{cap: cap, keys: map[string][]byte{}} }

func (m *memStore) ListFingerprints(accountID string) ([]string, error) {
	out := make([]string, 0, len(m.keys))
	for fpr := range m.keys {
		out = append(out, fpr)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) GetPubkey(accountID, fingerprint string) ([]byte, error) {
	pem, ok := m.keys[fingerprint]
	if !ok {
		return nil, errs.New(errkind.Value, "no such key")
	}
	return pem, nil
}

func (m *memStore) Count(accountID string) (int, error) { return len(m.keys), nil }

func (m *memStore) Add(accountID string, pem []byte) (string, error) {
	fpr, err := Fingerprint(pem)
	if err != nil {
		return "", err
	}
	if _, ok := m.keys[fpr]; ok {
		return fpr, nil
	}
	if len(m.keys) >= m.cap {
		return "", errs.New(errkind.Fixedsize, "device key capacity exceeded")
	}
	m.keys[fpr] = pem
	return fpr, nil
}

func (m *memStore) Remove(accountID, fingerprint string) error {
	delete(m.keys, fingerprint)
	return nil
}

// TestDiffNoUpdateForIntersection checks that no update is emitted for
// fingerprints present in both sets.
func TestDiffNoUpdateForIntersection(t *testing.T) {
	old := []string{"aaaa", "bbbb"}
	created, deleted := diff(old, old)
	if len(created) != 0 || len(deleted) != 0 {
		t.Fatalf("expected empty diff for identical sets, got created=%v deleted=%v", created, deleted)
	}
}

// TestDiffAppliedReconstructsNew checks that applying CREATED/DELETED to
// OLD yields NEW.
func TestDiffAppliedReconstructsNew(t *testing.T) {
	oldSet := []string{"a", "c", "e"}
	newSet := []string{"a", "b", "d"}

	created, deleted := diff(oldSet, newSet)

	result := map[string]bool{}
	for _, f := range oldSet {
		result[f] = true
	}
	for _, f := range deleted {
		delete(result, f)
	}
	for _, f := range created {
		result[f] = true
	}

	got := make([]string, 0, len(result))
	for f := range result {
		got = append(got, f)
	}
	sort.Strings(got)

	if len(got) != len(newSet) {
		t.Fatalf("reconstructed set size mismatch: got %v want %v", got, newSet)
	}
	for i := range newSet {
		if got[i] != newSet[i] {
			t.Fatalf("reconstructed set mismatch: got %v want %v", got, newSet)
		}
	}
}

// TestCapacityEnforced checks that the per-account device cap is enforced.
func TestCapacityEnforced(t *testing.T) {
	store := newMemStore(2)
	keys := [][]byte{testPEM(1), testPEM(2), testPEM(3)}

	for i, k := range keys[:2] {
		if _, err := store.Add("acct1", k); err != nil {
			t.Fatalf("unexpected error adding key %d: %v", i, err)
		}
	}

	_, err := store.Add("acct1", keys[2])
	if err == nil {
		t.Fatal("expected capacity error on third add")
	}
	if errs.KindOf(err) != errkind.Fixedsize {
		t.Fatalf("expected Fixedsize error kind, got %v", errs.KindOf(err))
	}

	n, _ := store.Count("acct1")
	if n != 2 {
		t.Fatalf("expected count to remain at cap, got %d", n)
	}
}

// testPEM returns a valid P-256 public key PEM block unique per seed, for
// fingerprinting tests.
func testPEM(seed byte) []byte {
	// The private scalar is the seed itself, so the key is deterministic,
	// lies on the curve (x509.ParsePKIXPublicKey() accepts it), and each
	// seed fingerprints distinctly.
	scalar := make([]byte, 32)
	scalar[31] = seed
	k, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		panic(err)
	}
	der, err := x509.MarshalPKIXPublicKey(k.PublicKey())
	if err != nil {
		panic(err)
	}
	return pemEncode(der)
}

func pemEncode(der []byte) []byte {
	return []byte("-----BEGIN PUBLIC KEY-----\n" + b64wrap(der) + "\n-----END PUBLIC KEY-----\n")
}

func b64wrap(der []byte) string {
	const tbl = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var out []byte
	for i := 0; i < len(der); i += 3 {
		var n int
		var b [3]byte
		for j := 0; j < 3 && i+j < len(der); j++ {
			b[j] = der[i+j]
			n++
		}
		val := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
		out = append(out, tbl[(val>>18)&0x3f])
		out = append(out, tbl[(val>>12)&0x3f])
		if n > 1 {
			out = append(out, tbl[(val>>6)&0x3f])
		} else {
			out = append(out, '=')
		}
		if n > 2 {
			out = append(out, tbl[val&0x3f])
		} else {
			out = append(out, '=')
		}
	}
	return string(out)
}
