package state

import (
	"errors"
	"fmt"
	"math"
)

// StateVersion identifies the on-disk record layout. Increment it whenever a
// stored record changes shape.
const StateVersion uint32 = 1

var (
	stateVersionKey = []byte("state/version")
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// StateVersion returns the committed schema version and whether one has been
// recorded.
func (m *Manager) StateVersion() (uint32, bool, error) {
	return readStateVersion(m)
}

func readStateVersion(r Reader) (uint32, bool, error) {
	var stored uint64
	ok, err := r.KVGet(stateVersionKey, &stored)
	if err != nil || !ok {
		return 0, false, err
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion stamps a fresh database with StateVersion and rejects one
// written by an incompatible binary.
func EnsureStateVersion(tx *Tx) error {
	version, ok, err := readStateVersion(tx)
	if err != nil {
		return err
	}
	if !ok {
		return tx.KVPut(stateVersionKey, uint64(StateVersion))
	}
	if version != StateVersion {
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
	}
	return nil
}
