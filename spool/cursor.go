package spool

import (
	"encoding/binary"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// cursor persists the Spool's read position and lost-segment count in a small embedded KV
// store (bbolt) alongside the segment files, so a restart resumes replay at
// exactly the point it left off. bbolt is a pure-Go, single-file,
// no-server KV store -- the right shape for state that must survive a
// reboot of a single constrained device with no cluster to lean on.
type cursor struct {
	db *bolt.DB
}

var cursorBucket = []byte("cursor")

var (
	keyReadSegment  = []byte("read_segment")
	keyReadOffset   = []byte("read_offset")
	keyLostSegments = []byte("lost_segments")
)

func openCursor(path string) (*cursor, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "spool: open cursor db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "spool: init cursor bucket")
	}
	return &cursor{db: db}, nil
}

func (c *cursor) close() error { return c.db.Close() }

// positions holds the Spool's durable state: only the read side. The write
// side is recovered at Open() by statting the newest segment file, since
// it's always exactly "whatever bytes are on disk" -- there's nothing to
// lose there that the filesystem doesn't already know.
type positions struct {
	ReadSegment  uint64
	ReadOffset   uint64
	LostSegments uint64
}

func (c *cursor) load() (positions, error) {
	var p positions
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		p.ReadSegment = getUint64(b, keyReadSegment)
		p.ReadOffset = getUint64(b, keyReadOffset)
		p.LostSegments = getUint64(b, keyLostSegments)
		return nil
	})
	return p, errors.Wrap(err, "spool: load cursor")
}

func (c *cursor) save(p positions) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		putUint64(b, keyReadSegment, p.ReadSegment)
		putUint64(b, keyReadOffset, p.ReadOffset)
		putUint64(b, keyLostSegments, p.LostSegments)
		return nil
	})
	return errors.Wrap(err, "spool: save cursor")
}

func getUint64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, key []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	// bolt.Bucket.Put only fails on a read-only tx or a too-long key/value,
	// neither of which applies here.
	_ = b.Put(key, buf[:])
}
