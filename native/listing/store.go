package listing

import (
	"encoding/binary"
	"errors"

	marketerrors "marketchain/core/errors"
)

var (
	errNilState = errors.New("listing store: state not configured")

	listingPrefix = []byte("listing/r/")
	sequenceKey   = []byte("listing/seq")
)

func listingKey(id uint64) []byte {
	buf := make([]byte, len(listingPrefix)+8)
	copy(buf, listingPrefix)
	binary.BigEndian.PutUint64(buf[len(listingPrefix):], id)
	return buf
}

type reader interface {
	KVGet(key []byte, out interface{}) (bool, error)
}

type storeState interface {
	reader
	KVPut(key []byte, value interface{}) error
}

type sequence struct {
	Next uint64
}

// Store is the listing arena: dense IDs issued from a monotonic counter and
// one record per ID. Records are never removed.
type Store struct {
	state storeState
}

// NewStore binds the arena to a state backend.
func NewStore(state storeState) *Store { return &Store{state: state} }

// Allocate reserves the next listing ID.
func (s *Store) Allocate() (uint64, error) {
	if s == nil || s.state == nil {
		return 0, errNilState
	}
	var seq sequence
	if _, err := s.state.KVGet(sequenceKey, &seq); err != nil {
		return 0, err
	}
	id := seq.Next
	seq.Next++
	if err := s.state.KVPut(sequenceKey, &seq); err != nil {
		return 0, err
	}
	return id, nil
}

// Put persists a copy of l.
func (s *Store) Put(l *Listing) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	if l == nil {
		return errors.New("listing store: nil listing")
	}
	if !l.State.Valid() {
		return errors.New("listing store: invalid state")
	}
	return s.state.KVPut(listingKey(l.ID), l.Clone())
}

// Get loads listing id, failing with NotFound for unknown IDs.
func (s *Store) Get(op string, id uint64) (*Listing, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	return Get(s.state, op, id)
}

// Get loads listing id from any reader.
func Get(r reader, op string, id uint64) (*Listing, error) {
	var l Listing
	ok, err := r.KVGet(listingKey(id), &l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, marketerrors.New(marketerrors.KindNotFound, op, "listing %d not found", id)
	}
	return &l, nil
}

// Count returns how many IDs have been issued.
func Count(r reader) (uint64, error) {
	var seq sequence
	if _, err := r.KVGet(sequenceKey, &seq); err != nil {
		return 0, err
	}
	return seq.Next, nil
}

// Scan returns every listing accepted by keep, in ID order.
func Scan(r reader, keep func(*Listing) bool) ([]*Listing, error) {
	total, err := Count(r)
	if err != nil {
		return nil, err
	}
	out := make([]*Listing, 0)
	for id := uint64(0); id < total; id++ {
		l, err := Get(r, "listing.scan", id)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(l) {
			out = append(out, l)
		}
	}
	return out, nil
}
