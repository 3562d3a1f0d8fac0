// Package secretstore implements the credential vault (§4.1): an
// AES-256-GCM encrypted blob on disk, with an in-memory cache and an
// environment-variable override layer sitting in front of it.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"

	"github.com/ovencore/ovencore/pkg/coreerrors"
)

// Config configures a Store.
type Config struct {
	// VaultPath is the on-disk location of the encrypted blob.
	VaultPath string
	// Passphrase derives the AES-256 key via scrypt. Callers normally
	// source this from an operator-supplied env var, never a literal.
	Passphrase string
	// EnvPrefix is prepended to a key name to form the environment
	// variable consulted before the vault (e.g. "OVENCORE_SECRET_").
	EnvPrefix string
}

func Load() Config {
	return Config{
		VaultPath:  envStr("OVENCORE_VAULT_PATH", "./ovencore-secrets.vault"),
		Passphrase: envStr("OVENCORE_VAULT_PASSPHRASE", ""),
		EnvPrefix:  envStr("OVENCORE_SECRET_ENV_PREFIX", "OVENCORE_SECRET_"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

const scryptN, scryptR, scryptP, keyLen = 1 << 15, 8, 1, 32

// record is one vault entry. Rotations append an AuditEntry rather than
// discarding history, so `list`/audit trails survive a rotate.
type record struct {
	Value     string      `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
	Audit     []AuditEntry `json:"audit,omitempty"`
}

// AuditEntry records a rotation event. The old/new values are never
// stored — only that a rotation happened and when.
type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

type vaultFile struct {
	Salt    string             `json:"salt"`
	Nonce   string             `json:"nonce"`
	Cipher  string             `json:"cipher"` // base64 ciphertext of the JSON-encoded records map
}

// Store is the credential vault. Safe for concurrent use.
type Store struct {
	cfg   Config
	mu    sync.RWMutex
	cache map[string]record
	salt  []byte
}

// New opens (or lazily creates) the vault at cfg.VaultPath.
func New(cfg Config) (*Store, error) {
	if cfg.Passphrase == "" {
		return nil, &coreerrors.ValidationError{Field: "Passphrase", Reason: "must not be empty"}
	}
	s := &Store{cfg: cfg, cache: make(map[string]record)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.cfg.VaultPath)
	if os.IsNotExist(err) {
		s.salt = make([]byte, 16)
		if _, err := rand.Read(s.salt); err != nil {
			return fmt.Errorf("secretstore: generating salt: %w", err)
		}
		return nil
	}
	if err != nil {
		return &coreerrors.BackendUnavailable{Backend: "vault-file", Err: err}
	}

	var vf vaultFile
	if err := json.Unmarshal(b, &vf); err != nil {
		return fmt.Errorf("secretstore: corrupt vault file: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(vf.Salt)
	if err != nil {
		return fmt.Errorf("secretstore: decoding salt: %w", err)
	}
	s.salt = salt

	gcm, err := s.gcm()
	if err != nil {
		return err
	}
	nonce, err := base64.StdEncoding.DecodeString(vf.Nonce)
	if err != nil {
		return fmt.Errorf("secretstore: decoding nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(vf.Cipher)
	if err != nil {
		return fmt.Errorf("secretstore: decoding ciphertext: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return &coreerrors.AuthError{Subject: "vault", Reason: "passphrase rejected or vault tampered"}
	}
	var records map[string]record
	if err := json.Unmarshal(plain, &records); err != nil {
		return fmt.Errorf("secretstore: decoding records: %w", err)
	}
	s.cache = records
	return nil
}

func (s *Store) key() []byte {
	k, err := scrypt.Key([]byte(s.cfg.Passphrase), s.salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		// scrypt only fails on invalid parameters, which are compile-time
		// constants here, so this is unreachable in practice.
		panic(fmt.Sprintf("secretstore: scrypt: %v", err))
	}
	return k
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key())
	if err != nil {
		return nil, fmt.Errorf("secretstore: building cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// persist re-encrypts the in-memory records and writes them atomically,
// with owner-only permissions (0600).
func (s *Store) persist() error {
	gcm, err := s.gcm()
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secretstore: generating nonce: %w", err)
	}
	plain, err := json.Marshal(s.cache)
	if err != nil {
		return fmt.Errorf("secretstore: encoding records: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plain, nil)

	vf := vaultFile{
		Salt:   base64.StdEncoding.EncodeToString(s.salt),
		Nonce:  base64.StdEncoding.EncodeToString(nonce),
		Cipher: base64.StdEncoding.EncodeToString(ct),
	}
	b, err := json.Marshal(vf)
	if err != nil {
		return fmt.Errorf("secretstore: encoding vault file: %w", err)
	}

	dir := filepath.Dir(s.cfg.VaultPath)
	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("secretstore: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("secretstore: setting permissions: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("secretstore: writing vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secretstore: closing vault: %w", err)
	}
	return os.Rename(tmp.Name(), s.cfg.VaultPath)
}

// envKey maps a vault key name to its environment variable override.
func (s *Store) envKey(key string) string {
	return s.cfg.EnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// Get resolves a secret, preferring (in order) an environment variable
// override, then the vault. It never logs the resolved value.
func (s *Store) Get(key string) (string, error) {
	if v := os.Getenv(s.envKey(key)); v != "" {
		return v, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cache[key]
	if !ok {
		return "", &coreerrors.ValidationError{Field: "key", Reason: fmt.Sprintf("no secret named %q", key)}
	}
	return rec.Value, nil
}

// Set stores or overwrites a secret and persists the vault immediately.
func (s *Store) Set(key, value string) error {
	if key == "" {
		return &coreerrors.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = record{Value: value, UpdatedAt: nowUTC(), Audit: s.cache[key].Audit}
	if err := s.persist(); err != nil {
		return err
	}
	log.Info().Str("key", key).Msg("secretstore: secret set")
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// Delete removes a secret. It is not an error to delete a key that is
// already absent.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	if err := s.persist(); err != nil {
		return err
	}
	log.Info().Str("key", key).Msg("secretstore: secret deleted")
	return nil
}

// List returns the known vault secret keys in no particular order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	return keys
}

// Validate reports whether key resolves to a non-empty value, without
// returning the value itself.
func (s *Store) Validate(key string) bool {
	v, err := s.Get(key)
	return err == nil && v != ""
}

// Integration bundles the credentials a connector needs to authenticate.
type Integration struct {
	Name   string
	Fields map[string]string
}

// integrationSuffixes maps the canonical §4.1 key suffix to the
// Integration field it populates. Order matches spec.md's declared
// suffix set.
var integrationSuffixes = []struct {
	suffix string
	field  string
}{
	{"_API_KEY", "api_key"},
	{"_API_SECRET", "api_secret"},
	{"_ACCESS_TOKEN", "access_token"},
	{"_REFRESH_TOKEN", "refresh_token"},
	{"_CLIENT_ID", "client_id"},
	{"_CLIENT_SECRET", "client_secret"},
	{"_WEBHOOK_SECRET", "webhook_secret"},
	{"_BASE_URL", "base_url"},
}

// GetIntegration assembles a credential bundle for the named
// integration from the canonical suffix set (§4.1): "<NAME>_API_KEY",
// "<NAME>_API_SECRET", "<NAME>_ACCESS_TOKEN", "<NAME>_REFRESH_TOKEN",
// "<NAME>_CLIENT_ID", "<NAME>_CLIENT_SECRET", "<NAME>_WEBHOOK_SECRET",
// "<NAME>_BASE_URL". Each is resolved through Get (environment first,
// then vault), so a connector configured purely via environment
// variables — never Set() into the vault — still resolves. Omitted
// keys map to absent fields, matching the original
// get_integration_credentials().
func (s *Store) GetIntegration(name string) (Integration, error) {
	upper := strings.ToUpper(name)
	integ := Integration{Name: name, Fields: make(map[string]string)}
	for _, s2 := range integrationSuffixes {
		v, err := s.Get(upper + s2.suffix)
		if err != nil {
			continue
		}
		if v != "" {
			integ.Fields[s2.field] = v
		}
	}
	if len(integ.Fields) == 0 {
		return Integration{}, &coreerrors.ValidationError{Field: "name", Reason: fmt.Sprintf("no credentials for integration %q", name)}
	}
	return integ, nil
}

// Rotate replaces a secret's value and appends an audit record. The
// previous value is discarded, not retained, to limit exposure.
func (s *Store) Rotate(key, newValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[key]
	if !ok {
		return &coreerrors.ValidationError{Field: "key", Reason: fmt.Sprintf("no secret named %q to rotate", key)}
	}
	rec.Value = newValue
	rec.UpdatedAt = nowUTC()
	rec.Audit = append(rec.Audit, AuditEntry{
		ID:        uuid.NewString(),
		Action:    "rotate",
		Timestamp: nowUTC(),
	})
	s.cache[key] = rec
	if err := s.persist(); err != nil {
		return err
	}
	log.Info().Str("key", key).Msg("secretstore: secret rotated")
	return nil
}

// deriveKey exposes the KDF for tests that need to verify a vault file
// round-trips under a known passphrase/salt pair.
func deriveKey(passphrase string, salt []byte) []byte {
	k, _ := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	return k
}
