package crypto

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()
	encoded := addr.String()
	require.True(t, strings.HasPrefix(encoded, "mkt1"))

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr.Raw(), decoded.Raw())
	require.Equal(t, MarketPrefix, decoded.Prefix())

	raw, err := ParseIdentity(encoded)
	require.NoError(t, err)
	require.Equal(t, addr.Raw(), raw)

	raw, err = ParseIdentity("0x" + hex.EncodeToString(addr.Bytes()))
	require.NoError(t, err)
	require.Equal(t, addr.Raw(), raw)

	_, err = ParseIdentity("0x1234")
	require.Error(t, err)
}

func TestPublicKeyEncoding(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	pub := key.PubKey().Bytes()
	require.Len(t, pub, 65)
	parsed, err := PublicKeyFromBytes(pub)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address(), parsed.Address())

	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address(), restored.PubKey().Address())
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "delivery.json")
	require.NoError(t, SaveToKeystore(path, key, "secret"))

	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
