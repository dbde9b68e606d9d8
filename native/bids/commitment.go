package bids

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Digest returns the blinded commitment for value: keccak256 over the 32-byte
// big-endian encoding, matching keccak256(abi.encodePacked(uint256(value)))
// on EVM chains.
func Digest(value *big.Int) ([32]byte, error) {
	if value == nil {
		return [32]byte{}, fmt.Errorf("bids: nil value")
	}
	if value.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("bids: negative value")
	}
	word, overflow := uint256.FromBig(value)
	if overflow {
		return [32]byte{}, fmt.Errorf("bids: value exceeds 256 bits")
	}
	encoded := word.Bytes32()
	return ethcrypto.Keccak256Hash(encoded[:]), nil
}

// MustDigest is Digest for values known to be in range.
func MustDigest(value *big.Int) [32]byte {
	d, err := Digest(value)
	if err != nil {
		panic(err)
	}
	return d
}
