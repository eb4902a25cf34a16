package crypto

import (
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyHex(t *testing.T) (string, common.Address) {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), ethcrypto.PubkeyToAddress(pk.PublicKey)
}

func TestEncryptDecryptKey(t *testing.T) {
	keyHex, _ := newKeyHex(t)

	blob, err := EncryptKey("0x"+keyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, keyHex, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptKey_EmptyPassword(t *testing.T) {
	keyHex, _ := newKeyHex(t)
	_, err := EncryptKey(keyHex, "")
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	keyHex, addr := newKeyHex(t)

	t.Run("raw", func(t *testing.T) {
		pk, err := LoadKey(KeySource{RawPrivateKey: "0x" + keyHex})
		require.NoError(t, err)
		assert.Equal(t, addr, ethcrypto.PubkeyToAddress(pk.PublicKey))
	})

	t.Run("encrypted file", func(t *testing.T) {
		blob, err := EncryptKey(keyHex, "pw")
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "custodian.json")
		require.NoError(t, os.WriteFile(path, blob, 0o600))

		pk, err := LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "pw"})
		require.NoError(t, err)
		assert.Equal(t, addr, ethcrypto.PubkeyToAddress(pk.PublicKey))
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := LoadKey(KeySource{})
		assert.Error(t, err)
	})
}

func TestSignerFor_RejectsMismatchedAddress(t *testing.T) {
	keyHex, addr := newKeyHex(t)
	_, other := newKeyHex(t)

	s, err := SignerFor(keyHex, addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address())

	_, err = SignerFor(keyHex, other.Hex())
	assert.Error(t, err)

	_, err = SignerFor("not-hex", addr.Hex())
	assert.Error(t, err)
}

func TestSigner_SignTxRecoversSender(t *testing.T) {
	keyHex, addr := newKeyHex(t)
	s, err := NewSignerFromHex(keyHex)
	require.NoError(t, err)

	chainID := big.NewInt(1337)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    3,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})

	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, from)
	assert.NotContains(t, s.String(), keyHex)
}

func TestOperatorAuth_Verify(t *testing.T) {
	auth := &OperatorAuth{Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)

	h := auth.HeadersAt("POST", "/api/settlements/abc/retry", "", now.Unix())
	assert.True(t, auth.Verify("POST", "/api/settlements/abc/retry", "", h[HeaderTimestamp], h[HeaderSignature], now))

	// tampered path
	assert.False(t, auth.Verify("POST", "/api/settlements/xyz/retry", "", h[HeaderTimestamp], h[HeaderSignature], now))
	// stale
	assert.False(t, auth.Verify("POST", "/api/settlements/abc/retry", "", h[HeaderTimestamp], h[HeaderSignature], now.Add(10*time.Minute)))
	// garbage timestamp
	assert.False(t, auth.Verify("POST", "/", "", "nope", h[HeaderSignature], now))
}
