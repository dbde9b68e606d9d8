// Package delivery implements the off-ledger secret hand-off between a seller
// and the buyer of a listing. The seller seals the secret to the buyer's
// delivery public key with ECIES over secp256k1; the ledger only stores and
// relays the resulting payload and never sees a private key.
package delivery

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	marketcrypto "marketchain/crypto"
)

const (
	// PublicKeyLength is the size of an uncompressed secp256k1 public key.
	PublicKeyLength = 65
	// IVLength is the AES block size used by the secp256k1 ECIES parameters.
	IVLength = 16
	// MACLength is the HMAC-SHA256 tag size.
	MACLength = 32
)

var (
	// ErrDecrypt is returned when a payload cannot be opened with the given key.
	ErrDecrypt = errors.New("delivery: unable to decrypt payload")
	// ErrMalformedPayload marks payloads whose fields have invalid sizes.
	ErrMalformedPayload = errors.New("delivery: malformed payload")
	// ErrInvalidKey marks delivery keys that are not valid secp256k1 points.
	ErrInvalidKey = errors.New("delivery: invalid public key")
)

// Payload is the sealed secret as stored on a listing.
type Payload struct {
	IV                 []byte `json:"iv"`
	EphemeralPublicKey []byte `json:"ephemPublicKey"`
	Ciphertext         []byte `json:"ciphertext"`
	MAC                []byte `json:"mac"`
}

// Empty reports whether no payload has been attached.
func (p Payload) Empty() bool {
	return len(p.IV) == 0 && len(p.EphemeralPublicKey) == 0 && len(p.Ciphertext) == 0 && len(p.MAC) == 0
}

// Validate checks field sizes without attempting decryption.
func (p Payload) Validate() error {
	if len(p.IV) != IVLength {
		return fmt.Errorf("%w: iv must be %d bytes", ErrMalformedPayload, IVLength)
	}
	if len(p.EphemeralPublicKey) != PublicKeyLength {
		return fmt.Errorf("%w: ephemeral key must be %d bytes", ErrMalformedPayload, PublicKeyLength)
	}
	if _, err := crypto.UnmarshalPubkey(p.EphemeralPublicKey); err != nil {
		return fmt.Errorf("%w: ephemeral key: %v", ErrMalformedPayload, err)
	}
	if len(p.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty ciphertext", ErrMalformedPayload)
	}
	if len(p.MAC) != MACLength {
		return fmt.Errorf("%w: mac must be %d bytes", ErrMalformedPayload, MACLength)
	}
	return nil
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	return Payload{
		IV:                 append([]byte(nil), p.IV...),
		EphemeralPublicKey: append([]byte(nil), p.EphemeralPublicKey...),
		Ciphertext:         append([]byte(nil), p.Ciphertext...),
		MAC:                append([]byte(nil), p.MAC...),
	}
}

// ValidatePublicKey checks that key is an uncompressed secp256k1 point.
func ValidatePublicKey(key []byte) error {
	if len(key) != PublicKeyLength {
		return fmt.Errorf("%w: must be %d bytes", ErrInvalidKey, PublicKeyLength)
	}
	if _, err := crypto.UnmarshalPubkey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// ListingContext binds a sealed payload to the listing it was produced for.
// It is fed into the MAC so a payload cannot be replayed onto another listing.
func ListingContext(listingID uint64) []byte {
	buf := make([]byte, len("marketchain/delivery/")+8)
	n := copy(buf, "marketchain/delivery/")
	binary.BigEndian.PutUint64(buf[n:], listingID)
	return buf
}

// GenerateKey creates a fresh delivery key pair on the buyer side.
func GenerateKey() (*marketcrypto.PrivateKey, error) {
	return marketcrypto.GeneratePrivateKey()
}

// Seal encrypts secret to the holder of recipient (uncompressed public key).
func Seal(recipient []byte, secret []byte, context []byte) (Payload, error) {
	pub, err := crypto.UnmarshalPubkey(recipient)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sealed, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), secret, nil, context)
	if err != nil {
		return Payload{}, fmt.Errorf("delivery: seal: %w", err)
	}
	if len(sealed) < PublicKeyLength+IVLength+MACLength {
		return Payload{}, ErrMalformedPayload
	}
	body := sealed[PublicKeyLength : len(sealed)-MACLength]
	return Payload{
		EphemeralPublicKey: append([]byte(nil), sealed[:PublicKeyLength]...),
		IV:                 append([]byte(nil), body[:IVLength]...),
		Ciphertext:         append([]byte(nil), body[IVLength:]...),
		MAC:                append([]byte(nil), sealed[len(sealed)-MACLength:]...),
	}, nil
}

// Open decrypts p with the buyer's private key.
func Open(key *marketcrypto.PrivateKey, p Payload, context []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, ErrInvalidKey
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(p.EphemeralPublicKey)+len(p.IV)+len(p.Ciphertext)+len(p.MAC))
	sealed = append(sealed, p.EphemeralPublicKey...)
	sealed = append(sealed, p.IV...)
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.MAC...)
	secret, err := ecies.ImportECDSA(key.PrivateKey).Decrypt(sealed, nil, context)
	if err != nil {
		return nil, ErrDecrypt
	}
	return secret, nil
}
