package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyAcceptsPrefix(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	hexNoPrefix := hex.EncodeToString(ethcrypto.FromECDSA(key))

	parsed, err := ParseKey("0x" + hexNoPrefix)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(parsed.PublicKey))

	parsed, err = ParseKey(hexNoPrefix)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(parsed.PublicKey))
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	_, err := ParseKey("not-a-key")
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallet.key")
	require.NoError(t, EncryptKeyFile(path, key, "hunter2"))

	restored, err := DecryptKeyFile(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(restored.PublicKey))
}

func TestDecryptWrongPassword(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallet.key")
	require.NoError(t, EncryptKeyFile(path, key, "correct"))

	_, err = DecryptKeyFile(path, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt key")
}
