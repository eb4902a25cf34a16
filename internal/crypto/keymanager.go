// Package crypto provides custodian key management, transaction signing and
// HMAC request authentication for the greenledger backend.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	// keyFileVersion is the encrypted-key JSON schema version.
	keyFileVersion = 1
)

// keyFile is the on-disk format for an encrypted custodian key. All byte
// fields are base64 standard encoding.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource describes where the custodian private key comes from. Exactly one
// of RawPrivateKey or EncryptedKeyPath is expected to be set.
type KeySource struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// ParsePrivateKey decodes a hex secp256k1 key with or without the 0x prefix.
func ParsePrivateKey(keyHex string) (*ecdsa.PrivateKey, error) {
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return pk, nil
}

// EncryptKey seals a hex private key under password with PBKDF2-HMAC-SHA256
// and AES-256-GCM. The derived address is stored in clear so operators can
// tell key files apart without the password.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	pk, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	keyBytes := ethcrypto.FromECDSA(pk)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := keyFile{
		Version:    keyFileVersion,
		Address:    ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey and returns the hex key
// without the 0x prefix.
func DecryptKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var stored keyFile
	if err := json.Unmarshal(blob, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if stored.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(plaintext), nil
}

// LoadKey resolves the custodian key.
//
// Resolution order:
//  1. RawPrivateKey, if set.
//  2. EncryptedKeyPath decrypted with KeyPassword.
//  3. Otherwise an error.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	if src.RawPrivateKey != "" {
		return ParsePrivateKey(src.RawPrivateKey)
	}
	if src.EncryptedKeyPath != "" {
		data, err := os.ReadFile(src.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading key file: %w", err)
		}
		keyHex, err := DecryptKey(data, src.KeyPassword)
		if err != nil {
			return nil, err
		}
		return ParsePrivateKey(keyHex)
	}
	return nil, errors.New("crypto: no private key source configured (set private_key or encrypted_key_path)")
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
