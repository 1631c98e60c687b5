package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// envelopePrefix marks key material sealed with the current envelope
// format: AES-256-GCM under the server secret with the owner's address as
// additional authenticated data.
const envelopePrefix = "v1:"

var errNoKeyMaterial = errors.New("no decryption key configured")

// KeyService seals and opens agent wallet key envelopes. Decrypted keys
// only ever live on the stack of the caller; nothing here persists them.
type KeyService struct {
	serverSecret string
	legacyKey    string
}

func NewKeyService(serverSecret, legacyKey string) *KeyService {
	return &KeyService{serverSecret: serverSecret, legacyKey: legacyKey}
}

func gcmFor(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals a hex private key into the v1 envelope for the given user.
func (s *KeyService) Encrypt(privHex, userAddress string) (string, error) {
	if s.serverSecret == "" {
		return "", errNoKeyMaterial
	}
	gcm, err := gcmFor(s.serverSecret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(privHex), []byte(strings.ToLower(userAddress)))
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func open(gcm cipher.AEAD, blob []byte, aad []byte) ([]byte, error) {
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	return gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], aad)
}

func isHexKey(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Decrypt opens stored key material. Supported encodings, tried in order:
// already-plaintext hex, the v1 envelope, and the legacy single-key format
// kept for wallets registered before the envelope existed.
func (s *KeyService) Decrypt(encrypted, userAddress string) (*ecdsa.PrivateKey, error) {
	if isHexKey(encrypted) {
		return crypto.HexToECDSA(strings.TrimPrefix(encrypted, "0x"))
	}

	if strings.HasPrefix(encrypted, envelopePrefix) {
		if s.serverSecret == "" {
			return nil, errNoKeyMaterial
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, envelopePrefix))
		if err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		gcm, err := gcmFor(s.serverSecret)
		if err != nil {
			return nil, err
		}
		plain, err := open(gcm, blob, []byte(strings.ToLower(userAddress)))
		if err != nil {
			return nil, fmt.Errorf("open envelope: %w", err)
		}
		return crypto.HexToECDSA(strings.TrimPrefix(string(plain), "0x"))
	}

	if s.legacyKey == "" {
		return nil, errNoKeyMaterial
	}
	blob, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode legacy key: %w", err)
	}
	gcm, err := gcmFor(s.legacyKey)
	if err != nil {
		return nil, err
	}
	plain, err := open(gcm, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("open legacy key: %w", err)
	}
	return crypto.HexToECDSA(strings.TrimPrefix(string(plain), "0x"))
}

// EncryptLegacy seals under the legacy single-key format. Only used by
// tests and migration tooling; new wallets always get the v1 envelope.
func (s *KeyService) EncryptLegacy(privHex string) (string, error) {
	if s.legacyKey == "" {
		return "", errNoKeyMaterial
	}
	gcm, err := gcmFor(s.legacyKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(privHex), nil)), nil
}
