// Package identity persists the one fact about a node that must survive
// a restart even though the registry itself does not: the stable
// peer-ID that origin-tags every binding this node ever publishes, and
// the monotonic logical-timestamp high-water mark that mints those
// bindings' ts values.
package identity

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/cuemby/gluedns/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketIdentity = []byte("identity")

const (
	keyPeerID    = "peer_id"
	keyTSCounter = "ts_counter"
)

// Store persists a node's PeerID and logical-timestamp counter across
// restarts using a single-bucket bolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the identity database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "identity.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadOrCreatePeerID returns the node's persisted PeerID, minting and
// storing a fresh one (from a random UUID) on first run.
func (s *Store) LoadOrCreatePeerID() (types.PeerID, error) {
	var id types.PeerID
	var raw []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdentity).Get([]byte(keyPeerID))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return id, fmt.Errorf("identity: read peer id: %w", err)
	}

	if raw != nil {
		if len(raw) != len(id) {
			return id, fmt.Errorf("identity: corrupt peer id (len=%d)", len(raw))
		}
		copy(id[:], raw)
		return id, nil
	}

	fresh := newPeerID()
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte(keyPeerID), fresh[:])
	})
	if err != nil {
		return id, fmt.Errorf("identity: persist peer id: %w", err)
	}
	return fresh, nil
}

// LoadTSCounter returns the last-persisted logical-timestamp high-water
// mark, or 0 if none has been recorded yet.
func (s *Store) LoadTSCounter() (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIdentity).Get([]byte(keyTSCounter))
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("identity: corrupt ts_counter (len=%d)", len(raw))
		}
		v = binary.LittleEndian.Uint64(raw)
		return nil
	})
	return v, err
}

// SaveTSCounter persists the logical-timestamp high-water mark so that a
// restarted observer never re-mints a ts value it has already used.
func (s *Store) SaveTSCounter(ts uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ts)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte(keyTSCounter), buf)
	})
}

func newPeerID() types.PeerID {
	u := uuid.New()
	var id types.PeerID
	// A UUID is 16 bytes; fill the remaining 16 with a second UUID's
	// bytes so the ID has the full 32 bytes PeerID requires without
	// hand-rolling a second random source.
	copy(id[:16], u[:])
	v2 := uuid.New()
	copy(id[16:], v2[:])
	return id
}
