package events

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"marketchain/core/types"
	"marketchain/storage"
)

var (
	logEntryPrefix = []byte("events/e/")
	logHeadKey     = []byte("events/head")
)

func logEntryKey(seq uint64) []byte {
	buf := make([]byte, len(logEntryPrefix)+8)
	copy(buf, logEntryPrefix)
	binary.BigEndian.PutUint64(buf[len(logEntryPrefix):], seq)
	return buf
}

// Attribute is a single key/value pair of a stored event. Maps are not
// RLP-encodable so attributes are persisted sorted by key.
type Attribute struct {
	Key   string
	Value string
}

// Entry is one immutable record of the ordered event log. Hash commits to the
// entry contents and the previous entry's hash.
type Entry struct {
	Seq        uint64
	Type       string
	Attributes []Attribute
	Timestamp  uint64
	PrevHash   [32]byte
	Hash       [32]byte
}

// Event converts the entry back into its wire form.
func (e *Entry) Event() *types.Event {
	attrs := make(map[string]string, len(e.Attributes))
	for _, attr := range e.Attributes {
		attrs[attr.Key] = attr.Value
	}
	return &types.Event{Type: e.Type, Attributes: attrs}
}

type logHead struct {
	Next uint64
	Hash [32]byte
}

type logWriter interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type logReader interface {
	KVGet(key []byte, out interface{}) (bool, error)
}

func entryDigest(e *Entry) ([32]byte, error) {
	body := struct {
		Seq        uint64
		Type       string
		Attributes []Attribute
		Timestamp  uint64
		PrevHash   [32]byte
	}{e.Seq, e.Type, e.Attributes, e.Timestamp, e.PrevHash}
	encoded, err := rlp.EncodeToBytes(&body)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(encoded), nil
}

// Append writes evts to the log in order through w, chaining each entry to
// its predecessor. The writes become visible only when w commits.
func Append(w logWriter, evts []*types.Event, timestamp uint64) ([]Entry, error) {
	var head logHead
	if _, err := w.KVGet(logHeadKey, &head); err != nil {
		return nil, fmt.Errorf("events: load head: %w", err)
	}
	out := make([]Entry, 0, len(evts))
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		entry := Entry{
			Seq:       head.Next,
			Type:      evt.Type,
			Timestamp: timestamp,
			PrevHash:  head.Hash,
		}
		keys := make([]string, 0, len(evt.Attributes))
		for k := range evt.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			entry.Attributes = append(entry.Attributes, Attribute{Key: k, Value: evt.Attributes[k]})
		}
		hash, err := entryDigest(&entry)
		if err != nil {
			return nil, err
		}
		entry.Hash = hash
		if err := w.KVPut(logEntryKey(entry.Seq), &entry); err != nil {
			return nil, err
		}
		head = logHead{Next: entry.Seq + 1, Hash: hash}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := w.KVPut(logHeadKey, &head); err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of committed entries visible through r.
func Len(r logReader) (uint64, error) {
	var head logHead
	if _, err := r.KVGet(logHeadKey, &head); err != nil {
		return 0, err
	}
	return head.Next, nil
}

// Read returns up to limit entries starting at sequence from. A limit of zero
// reads to the end of the log.
func Read(r logReader, from, limit uint64) ([]Entry, error) {
	total, err := Len(r)
	if err != nil {
		return nil, err
	}
	end := total
	if limit > 0 && from+limit < end {
		end = from + limit
	}
	out := make([]Entry, 0)
	for seq := from; seq < end; seq++ {
		var entry Entry
		ok, err := r.KVGet(logEntryKey(seq), &entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("events: entry %d missing", seq)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Verify walks the whole log in db and checks ordering and the hash chain.
func Verify(db storage.Database) error {
	var (
		expected uint64
		prev     [32]byte
		walkErr  error
	)
	err := db.Iterate(logEntryPrefix, func(_, value []byte) bool {
		var entry Entry
		if err := rlp.DecodeBytes(value, &entry); err != nil {
			walkErr = err
			return false
		}
		if entry.Seq != expected {
			walkErr = fmt.Errorf("events: entry %d out of order (want %d)", entry.Seq, expected)
			return false
		}
		if entry.PrevHash != prev {
			walkErr = fmt.Errorf("events: entry %d breaks the hash chain", entry.Seq)
			return false
		}
		digest, err := entryDigest(&entry)
		if err != nil {
			walkErr = err
			return false
		}
		if digest != entry.Hash {
			walkErr = fmt.Errorf("events: entry %d hash mismatch", entry.Seq)
			return false
		}
		prev = entry.Hash
		expected++
		return true
	})
	if err != nil {
		return err
	}
	return walkErr
}
