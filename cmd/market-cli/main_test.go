package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"marketchain/crypto"
	"marketchain/native/delivery"
)

func TestCommitPrintsDigest(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"commit", "0"}, nil, &out))
	require.Equal(t, "0x290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563\n", out.String())

	require.Error(t, run([]string{"commit", "abc"}, nil, &out))
}

func TestSealThenOpen(t *testing.T) {
	t.Setenv(passphraseEnv, "correct horse battery staple")
	path := t.TempDir() + "/buyer.json"

	var out bytes.Buffer
	require.NoError(t, run([]string{"keygen", "-out", path}, nil, &out))
	line := strings.SplitN(out.String(), "\n", 2)[0]
	pub := strings.TrimSpace(strings.TrimPrefix(line, "Public key:"))
	_, err := hexutil.Decode(pub)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, run([]string{"seal", "-listing", "7", "-key", pub, "door code 4411"}, nil, &out))

	var opened bytes.Buffer
	require.NoError(t, run([]string{"open", "-listing", "7", "-keystore", path}, bytes.NewReader(out.Bytes()), &opened))
	require.Equal(t, "door code 4411\n", opened.String())

	err = run([]string{"open", "-listing", "8", "-keystore", path}, bytes.NewReader(out.Bytes()), &opened)
	require.Error(t, err)

	key, err := crypto.LoadFromKeystore(path, "correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, delivery.ValidatePublicKey(key.PubKey().Bytes()))
}

func TestAddressRoundTrip(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"address", "0x00000000000000000000000000000000000000aa"}, nil, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "mkt1"))
	require.Equal(t, "0x00000000000000000000000000000000000000aa", lines[1])
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("MARKET_AUTH_SECRET", "")
	var out bytes.Buffer
	err := run([]string{"token", "-caller", "0x00000000000000000000000000000000000000aa"}, nil, &out)
	require.ErrorContains(t, err, "MARKET_AUTH_SECRET")

	t.Setenv("MARKET_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	require.NoError(t, run([]string{"token", "-caller", "0x00000000000000000000000000000000000000aa"}, nil, &out))
	require.Equal(t, 2, strings.Count(out.String(), "."))
}
