// Package credential stores provider credentials at rest, envelope-encrypted
// with AES-256-GCM under a key kept in the OS keyring. Grounded on the
// original agnt-auth crate's store.rs: same envelope JSON shape, same AEAD
// associated-data binding (provider id), same keyring account name.
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/codalotl/codalotl/internal/session"
)

// encryptionKeyAccount is the fixed OS-keyring account name the AEAD key is
// stored under, for every application (the service name distinguishes
// applications; this account distinguishes the secret within one).
const encryptionKeyAccount = "provider_credentials_key_v1"

// Kind tags a StoredCredential's variant.
type Kind string

const (
	KindAPIKey    Kind = "api_key"
	KindOAuthPkce Kind = "oauth_pkce"
)

// StoredCredential is the plaintext credential persisted (at rest, encrypted)
// per provider. Exactly one of the API-key or OAuth fields is meaningful,
// selected by Kind.
type StoredCredential struct {
	Kind Kind

	APIKey string

	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
	Metadata     map[string]string
}

// APIKeyCredential builds a StoredCredential for an API-key provider.
func APIKeyCredential(apiKey string) StoredCredential {
	return StoredCredential{Kind: KindAPIKey, APIKey: apiKey}
}

// OAuthCredential builds a StoredCredential for an OAuth PKCE provider.
func OAuthCredential(accessToken, refreshToken string, expiresAtMs int64, metadata map[string]string) StoredCredential {
	return StoredCredential{
		Kind:         KindOAuthPkce,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAtMs:  expiresAtMs,
		Metadata:     metadata,
	}
}

type storedCredentialWire struct {
	Kind         Kind              `json:"kind"`
	APIKey       string            `json:"api_key,omitempty"`
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAtMs  int64             `json:"expires_at_ms,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (c StoredCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedCredentialWire{
		Kind:         c.Kind,
		APIKey:       c.APIKey,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAtMs:  c.ExpiresAtMs,
		Metadata:     c.Metadata,
	})
}

func (c *StoredCredential) UnmarshalJSON(data []byte) error {
	var wire storedCredentialWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*c = StoredCredential{
		Kind:         wire.Kind,
		APIKey:       wire.APIKey,
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
		ExpiresAtMs:  wire.ExpiresAtMs,
		Metadata:     wire.Metadata,
	}
	return nil
}

type encryptionMethod string

const (
	methodNone               encryptionMethod = "none"
	methodKeyringAES256GCMV1 encryptionMethod = "keyring_aes_256_gcm_v1"
)

type envelope struct {
	Method encryptionMethod `json:"method"`
	Payload string          `json:"payload"`
	Nonce   *string         `json:"nonce,omitempty"`
}

// Store persists provider credentials through a session.Store, enveloping
// them with AES-256-GCM when EncryptAtRest is set (the default for normal
// operation; disabled for dev profiles that'd rather not touch the OS
// keyring at all, mirroring the original's debug/release split).
type Store struct {
	service       string
	db            *session.Store
	encryptAtRest bool

	mu    sync.Mutex
	cache map[string]StoredCredential
}

// NewStore returns a credential store backed by db, using service as the OS
// keyring's service name.
func NewStore(service string, db *session.Store, encryptAtRest bool) *Store {
	return &Store{
		service:       service,
		db:            db,
		encryptAtRest: encryptAtRest,
		cache:         make(map[string]StoredCredential),
	}
}

// Load returns the stored credential for providerID, or nil if none exists.
func (s *Store) Load(ctx context.Context, providerID string) (*StoredCredential, error) {
	s.mu.Lock()
	if cred, ok := s.cache[providerID]; ok {
		s.mu.Unlock()
		return &cred, nil
	}
	s.mu.Unlock()

	raw, ok, err := s.db.GetCredential(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("credential: load: %w", err)
	}
	if !ok {
		return nil, nil
	}

	cred, err := s.decodeCredential(providerID, raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[providerID] = cred
	s.mu.Unlock()
	return &cred, nil
}

// Save encrypts (if configured) and persists cred for providerID.
func (s *Store) Save(ctx context.Context, providerID string, cred StoredCredential) error {
	encoded, err := s.encodeCredential(providerID, cred)
	if err != nil {
		return err
	}
	if err := s.db.UpsertCredential(ctx, providerID, encoded); err != nil {
		return fmt.Errorf("credential: save: %w", err)
	}

	s.mu.Lock()
	s.cache[providerID] = cred
	s.mu.Unlock()
	return nil
}

func (s *Store) encodeCredential(providerID string, cred StoredCredential) (string, error) {
	credentialJSON, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("credential: marshal: %w", err)
	}

	var env envelope
	if !s.encryptAtRest {
		env = envelope{Method: methodNone, Payload: string(credentialJSON)}
	} else {
		key, err := s.loadOrCreateEncryptionKey()
		if err != nil {
			return "", err
		}
		var nonce [12]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return "", fmt.Errorf("credential: generate nonce: %w", err)
		}
		ciphertext, err := seal(key, nonce, providerID, credentialJSON)
		if err != nil {
			return "", err
		}
		nonceStr := base64.StdEncoding.EncodeToString(nonce[:])
		env = envelope{
			Method:  methodKeyringAES256GCMV1,
			Payload: base64.StdEncoding.EncodeToString(ciphertext),
			Nonce:   &nonceStr,
		}
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("credential: marshal envelope: %w", err)
	}
	return string(out), nil
}

func (s *Store) decodeCredential(providerID, raw string) (StoredCredential, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Method == "" {
		// Backward compatibility for any plaintext (pre-envelope) blobs.
		var cred StoredCredential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return StoredCredential{}, fmt.Errorf("credential: decode: %w", err)
		}
		return cred, nil
	}

	switch env.Method {
	case methodNone:
		var cred StoredCredential
		if err := json.Unmarshal([]byte(env.Payload), &cred); err != nil {
			return StoredCredential{}, fmt.Errorf("credential: decode plaintext payload: %w", err)
		}
		return cred, nil
	case methodKeyringAES256GCMV1:
		if env.Nonce == nil {
			return StoredCredential{}, errors.New("credential: missing nonce")
		}
		nonceBytes, err := base64.StdEncoding.DecodeString(*env.Nonce)
		if err != nil || len(nonceBytes) != 12 {
			return StoredCredential{}, errors.New("credential: invalid nonce encoding")
		}
		ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			return StoredCredential{}, fmt.Errorf("credential: invalid ciphertext encoding: %w", err)
		}
		key, err := s.loadEncryptionKey()
		if err != nil {
			return StoredCredential{}, err
		}
		var nonce [12]byte
		copy(nonce[:], nonceBytes)
		plaintext, err := open(key, nonce, providerID, ciphertext)
		if err != nil {
			return StoredCredential{}, fmt.Errorf("credential: decrypt: %w", err)
		}
		var cred StoredCredential
		if err := json.Unmarshal(plaintext, &cred); err != nil {
			return StoredCredential{}, fmt.Errorf("credential: decode decrypted payload: %w", err)
		}
		return cred, nil
	default:
		return StoredCredential{}, fmt.Errorf("credential: unknown encryption method %q", env.Method)
	}
}

func (s *Store) loadOrCreateEncryptionKey() ([32]byte, error) {
	encoded, err := keyring.Get(s.service, encryptionKeyAccount)
	switch {
	case err == nil:
		return decodeKey(encoded)
	case errors.Is(err, keyring.ErrNotFound):
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return [32]byte{}, fmt.Errorf("credential: generate key: %w", err)
		}
		if err := keyring.Set(s.service, encryptionKeyAccount, base64.StdEncoding.EncodeToString(key[:])); err != nil {
			return [32]byte{}, fmt.Errorf("credential: store key: %w", err)
		}
		return key, nil
	default:
		return [32]byte{}, fmt.Errorf("credential: read key: %w", err)
	}
}

func (s *Store) loadEncryptionKey() ([32]byte, error) {
	encoded, err := keyring.Get(s.service, encryptionKeyAccount)
	if err != nil {
		return [32]byte{}, fmt.Errorf("credential: read key: %w", err)
	}
	return decodeKey(encoded)
}

func decodeKey(encoded string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		return key, errors.New("credential: invalid encryption key encoding")
	}
	copy(key[:], raw)
	return key, nil
}

func seal(key [32]byte, nonce [12]byte, providerID string, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce[:], plaintext, []byte(providerID)), nil
}

func open(key [32]byte, nonce [12]byte, providerID string, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce[:], ciphertext, []byte(providerID))
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("credential: invalid key material: %w", err)
	}
	return cipher.NewGCM(block)
}
