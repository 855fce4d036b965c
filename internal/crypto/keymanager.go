// Package crypto provides wallet key storage, EIP-712 challenge signing,
// ephemeral session keys, and HMAC request authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
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
	keyFileVersion = 1
	keyFileKDF     = "pbkdf2-sha256"

	// defaultIterations is used for new key files. Files record their own
	// count so it can be raised without breaking old ones.
	defaultIterations = 480_000
	minIterations     = 100_000

	saltLen = 16
	aesLen  = 32
)

// ErrWrongPassword is returned when a key file does not open with the
// given password.
var ErrWrongPassword = errors.New("crypto: wrong password or corrupted key file")

// keyFile is the on-disk wallet key format. Address is informational and
// checked after decryption.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig names where the wallet key comes from. A raw key wins over an
// encrypted file.
type KeyConfig struct {
	// RawPrivateKey is hex, with or without 0x.
	RawPrivateKey string
	// EncryptedKeyPath is a file written by WriteKeyFile.
	EncryptedKeyPath string
	KeyPassword      string
}

// parseKeyHex validates a 32-byte hex private key and returns its bytes.
func parseKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: private key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

func keyAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptKey seals a hex private key under password with PBKDF2-SHA256 and
// AES-256-GCM and returns the JSON key file.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	raw, err := parseKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid secp256k1 key: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := keyAEAD(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	address := ethcrypto.PubkeyToAddress(pk.PublicKey).Hex()
	kf := keyFile{
		Version:    keyFileVersion,
		Address:    address,
		KDF:        keyFileKDF,
		Iterations: defaultIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		// The address is bound as additional data.
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, raw, []byte(address))),
	}
	return json.MarshalIndent(kf, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the key as
// hex without the 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion || kf.KDF != keyFileKDF {
		return "", fmt.Errorf("crypto: unsupported key file (version %d, kdf %q)", kf.Version, kf.KDF)
	}
	if kf.Iterations < minIterations {
		return "", fmt.Errorf("crypto: key file iterations %d below minimum %d", kf.Iterations, minIterations)
	}

	var salt, nonce, sealed []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", kf.Salt, &salt},
		{"nonce", kf.Nonce, &nonce},
		{"ciphertext", kf.Ciphertext, &sealed},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto: decode %s: %w", f.name, err)
		}
		*f.out = b
	}

	aead, err := keyAEAD(password, salt, kf.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: nonce must be %d bytes", aead.NonceSize())
	}
	raw, err := aead.Open(nil, nonce, sealed, []byte(kf.Address))
	if err != nil {
		return "", ErrWrongPassword
	}
	return hex.EncodeToString(raw), nil
}

// LoadKey resolves the wallet key from cfg and returns it as hex without
// the 0x prefix.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		raw, err := parseKeyHex(cfg.RawPrivateKey)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(raw), nil
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return "", errors.New("crypto: no wallet key configured")
	}
}

// LoadWalletSigner resolves the wallet key and builds a signer from it.
func LoadWalletSigner(cfg KeyConfig) (*WalletSigner, error) {
	key, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewWalletSigner(key)
}

// WriteKeyFile encrypts privateKeyHex with password and writes it to path
// readable only by the owner.
func WriteKeyFile(path, privateKeyHex, password string) error {
	blob, err := EncryptKey(privateKeyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("crypto: write key file: %w", err)
	}
	return nil
}
