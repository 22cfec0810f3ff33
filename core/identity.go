package core

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bip39 "github.com/tyler-smith/go-bip39"
)

// Identity is a named Ed25519 keypair with an id derived from the public
// key and bookkeeping timestamps. Immutable after creation except for
// LastUsedAt.
type Identity struct {
	Name       string            `json:"name"`
	IdentityID string            `json:"identity_id"`
	PublicKey  ed25519.PublicKey `json:"public_key"`
	PrivateKey ed25519.PrivateKey `json:"private_key"`
	CreatedAt  time.Time         `json:"created_at"`
	LastUsedAt time.Time         `json:"last_used_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// identityIDFromPublicKey derives the identity id: the SHA-256 digest of
// the public key, truncated to 16 bytes, hex-encoded.
func identityIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// NewIdentity generates a fresh Ed25519 keypair and wraps it in an
// Identity. The private key is held only in memory; callers that want
// durability should call Save.
func NewIdentity(name string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, WrapError(ErrConfig, "generate identity keypair", err)
	}
	now := time.Now()
	return &Identity{
		Name: name, IdentityID: identityIDFromPublicKey(pub),
		PublicKey: pub, PrivateKey: priv, CreatedAt: now, LastUsedAt: now,
		Metadata: map[string]string{},
	}, nil
}

// NewRandomIdentity additionally returns a BIP-39 recovery phrase. The
// Ed25519 seed comes straight from the mnemonic's seed bytes; game
// identities are single-key, so there is no HD derivation tree.
// entropyBits must be 128 or 256. The caller MUST treat the returned
// mnemonic as sensitive.
func NewRandomIdentity(name string, entropyBits int) (*Identity, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", NewError(ErrConfig, fmt.Sprintf("unsupported entropy size %d", entropyBits))
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", WrapError(ErrConfig, "generate entropy", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", WrapError(ErrConfig, "generate mnemonic", err)
	}
	id, err := identityFromMnemonic(name, mnemonic, "")
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// IdentityFromMnemonic recovers an Identity from a previously generated
// BIP-39 phrase.
func IdentityFromMnemonic(name, mnemonic, passphrase string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, NewError(ErrConfig, "invalid mnemonic checksum")
	}
	return identityFromMnemonic(name, mnemonic, passphrase)
}

func identityFromMnemonic(name, mnemonic, passphrase string) (*Identity, error) {
	seed := bip39.NewSeed(mnemonic, passphrase)
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)
	now := time.Now()
	return &Identity{
		Name: name, IdentityID: identityIDFromPublicKey(pub),
		PublicKey: pub, PrivateKey: priv, CreatedAt: now, LastUsedAt: now,
		Metadata: map[string]string{},
	}, nil
}

// Touch updates LastUsedAt to now; the only mutation Identity allows
// after creation.
func (id *Identity) Touch() { id.LastUsedAt = time.Now() }

//---------------------------------------------------------------------
// On-disk storage
//---------------------------------------------------------------------

// IdentityStore persists identities under a per-user directory with
// mode 0600 files / 0700 directory, rejecting any resolved path that
// escapes the directory, symlinks included.
type IdentityStore struct {
	dir string
}

// NewIdentityStore creates (if necessary) and returns a store rooted at
// dir. dir is created with mode 0700.
func NewIdentityStore(dir string) (*IdentityStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, WrapError(ErrConfig, "create identity directory", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, WrapError(ErrConfig, "chmod identity directory", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, WrapError(ErrConfig, "resolve identity directory", err)
	}
	return &IdentityStore{dir: abs}, nil
}

// Dir returns the store's resolved root directory.
func (s *IdentityStore) Dir() string { return s.dir }

type storedIdentity struct {
	Name       string            `json:"name"`
	IdentityID string            `json:"identity_id"`
	PublicKey  string            `json:"public_key"`  // hex
	PrivateKey string            `json:"private_key"` // hex
	CreatedAt  time.Time         `json:"created_at"`
	LastUsedAt time.Time         `json:"last_used_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *IdentityStore) path(name string) (string, error) {
	clean := filepath.Clean(name) + ".json"
	full := filepath.Join(s.dir, clean)
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", WrapError(ErrConfig, "resolve identity path", err)
	}
	rel, err := filepath.Rel(s.dir, absFull)
	if err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
		return "", NewError(ErrConfig, fmt.Sprintf("identity path %q escapes store directory", name))
	}
	// Reject any path component that is itself a symlink resolving
	// outside the store, even if the literal path above stayed inside.
	if resolved, err := filepath.EvalSymlinks(s.dir); err == nil {
		if dirResolved, err2 := filepath.EvalSymlinks(filepath.Dir(absFull)); err2 == nil {
			if dirResolved != resolved && filepath.Dir(dirResolved) != resolved {
				return "", NewError(ErrConfig, fmt.Sprintf("identity path %q escapes store directory via symlink", name))
			}
		}
	}
	return absFull, nil
}

// Save writes id to "<name>.json" under the store directory, mode 0600.
func (s *IdentityStore) Save(id *Identity) error {
	p, err := s.path(id.Name)
	if err != nil {
		return err
	}
	blob, err := json.MarshalIndent(storedIdentity{
		Name: id.Name, IdentityID: id.IdentityID,
		PublicKey: hexEncode(id.PublicKey), PrivateKey: hexEncode(id.PrivateKey),
		CreatedAt: id.CreatedAt, LastUsedAt: id.LastUsedAt, Metadata: id.Metadata,
	}, "", "  ")
	if err != nil {
		return WrapError(ErrConfig, "marshal identity", err)
	}
	if err := os.WriteFile(p, blob, 0o600); err != nil {
		return WrapError(ErrConfig, "write identity file", err)
	}
	return os.Chmod(p, 0o600)
}

// Load reads "<name>.json" from the store directory.
func (s *IdentityStore) Load(name string) (*Identity, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(p)
	if err != nil {
		return nil, WrapError(ErrConfig, "read identity file", err)
	}
	var st storedIdentity
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, WrapError(ErrDecode, "unmarshal identity", err)
	}
	pub, err := hexDecode(st.PublicKey)
	if err != nil {
		return nil, WrapError(ErrDecode, "decode public key", err)
	}
	priv, err := hexDecode(st.PrivateKey)
	if err != nil {
		return nil, WrapError(ErrDecode, "decode private key", err)
	}
	return &Identity{
		Name: st.Name, IdentityID: st.IdentityID,
		PublicKey: ed25519.PublicKey(pub), PrivateKey: ed25519.PrivateKey(priv),
		CreatedAt: st.CreatedAt, LastUsedAt: st.LastUsedAt, Metadata: st.Metadata,
	}, nil
}

// Remove deletes "<name>.json" from the store, if present.
func (s *IdentityStore) Remove(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return WrapError(ErrConfig, "remove identity file", err)
	}
	return nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }
func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
