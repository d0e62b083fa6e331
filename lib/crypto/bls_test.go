package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBLSSignAndVerify(t *testing.T) {
	privateKey, err := NewBLSPrivateKey()
	require.NoError(t, err)
	message := []byte("round based agreement over a weighted validator set")
	signature := privateKey.Sign(message)
	require.Len(t, signature, BLS12381SignatureSize)
	publicKey := privateKey.PublicKey()
	require.Len(t, publicKey.Bytes(), BLS12381PubKeySize)
	// the signature verifies over the signed message only
	require.True(t, publicKey.VerifyBytes(message, signature))
	require.False(t, publicKey.VerifyBytes([]byte("a different message"), signature))
	// a signature from another key never verifies
	otherKey, err := NewBLSPrivateKey()
	require.NoError(t, err)
	require.False(t, publicKey.VerifyBytes(message, otherKey.Sign(message)))
	// a malformed signature never verifies
	require.False(t, publicKey.VerifyBytes(message, make([]byte, BLS12381SignatureSize)))
}

func TestBLSKeySerialization(t *testing.T) {
	privateKey, err := NewBLSPrivateKey()
	require.NoError(t, err)
	// the private key round-trips through its byte form
	restored, err := NewBLSPrivateKeyFromBytes(privateKey.Bytes())
	require.NoError(t, err)
	require.True(t, privateKey.Equals(restored))
	require.Equal(t, privateKey.PublicKey().Bytes(), restored.PublicKey().Bytes())
	// the public key round-trips through its byte form
	publicKey, err := NewBLSPublicKeyFromBytes(privateKey.PublicKey().Bytes())
	require.NoError(t, err)
	require.True(t, publicKey.Equals(privateKey.PublicKey()))
	// both keys round-trip through their hex string form
	fromString, err := NewBLSPrivateKeyFromString(privateKey.String())
	require.NoError(t, err)
	require.True(t, privateKey.Equals(fromString))
}

func TestBLSAddressDerivation(t *testing.T) {
	privateKey, err := NewBLSPrivateKey()
	require.NoError(t, err)
	address := privateKey.PublicKey().Address()
	require.Len(t, address.Bytes(), AddressSize)
	// the address is a stable function of the public key
	publicKey, err := NewBLSPublicKeyFromBytes(privateKey.PublicKey().Bytes())
	require.NoError(t, err)
	require.True(t, address.Equals(publicKey.Address()))
}

func TestPrivateKeyFile(t *testing.T) {
	privateKey, err := NewBLSPrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "validator_key.json")
	require.NoError(t, PrivateKeyToFile(privateKey, path))
	restored, err := NewBLSPrivateKeyFromFile(path)
	require.NoError(t, err)
	require.True(t, privateKey.Equals(restored))
}

func TestHashing(t *testing.T) {
	payload := []byte("block payload")
	// full and short hashes are deterministic and correctly sized
	require.Len(t, Hash(payload), HashSize)
	require.Len(t, ShortHash(payload), AddressSize)
	require.Equal(t, Hash(payload), Hash(payload))
	require.NotEqual(t, Hash(payload), Hash([]byte("another payload")))
}
