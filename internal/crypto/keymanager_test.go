package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), strings.TrimPrefix(testKey, "0x"))

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(testKey, "0x"), got)

	_, err = DecryptKey(blob, "wrong")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestKeyFile_BindsAddress(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)

	var kf keyFile
	require.NoError(t, json.Unmarshal(blob, &kf))
	assert.Equal(t, testAddress, kf.Address)
	assert.Equal(t, defaultIterations, kf.Iterations)

	kf.Address = "0x0000000000000000000000000000000000000001"
	tampered, err := json.Marshal(kf)
	require.NoError(t, err)
	_, err = DecryptKey(tampered, "pw")
	assert.ErrorIs(t, err, ErrWrongPassword)

	kf.Iterations = 10
	weak, err := json.Marshal(kf)
	require.NoError(t, err)
	_, err = DecryptKey(weak, "pw")
	assert.ErrorContains(t, err, "below minimum")
}

func TestEncryptKey_Validation(t *testing.T) {
	_, err := EncryptKey(testKey, "")
	assert.Error(t, err)
	_, err = EncryptKey("0xabcd", "pw")
	assert.Error(t, err)
	_, err = EncryptKey("zz", "pw")
	assert.Error(t, err)
}

func TestLoadWalletSigner_FromFileAndRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, WriteKeyFile(path, testKey, "pw"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s, err := LoadWalletSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())

	s, err = LoadWalletSigner(KeyConfig{RawPrivateKey: testKey, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err, "raw key takes precedence")
	assert.Equal(t, testAddress, s.Address())

	_, err = LoadWalletSigner(KeyConfig{})
	assert.Error(t, err)
}
