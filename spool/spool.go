// Package spool implements the Disk Spool: an append-only, bounded,
// segmented log of framed Publish records with overflow rotation and a
// replay cursor that survives restarts. It is single-reader/single-writer
// by construction -- both sides are owned by the Serializer goroutine --
// so, like partition.Set, it needs no internal locking.
package spool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const segmentSuffix = ".seg"

// Spool is a bounded, segmented, append-only on-disk queue of framed
// Publish records.
type Spool struct {
	dir          string
	segmentBytes int64
	maxSegments  int
	cursor       *cursor

	segments []uint64 // ascending, currently-present segment indices

	writeFile *os.File
	writeSize int64

	readFile   *os.File
	readBuf    *bufio.Reader
	readOffset int64
}

// Open opens (creating if necessary) a Spool rooted at dir, with segments
// rotated at segmentBytes and at most maxSegments retained.
func Open(dir string, segmentBytes int64, maxSegments int) (*Spool, error) {
	if segmentBytes <= 0 {
		return nil, errors.New("spool: segmentBytes must be positive")
	}
	if maxSegments <= 0 {
		return nil, errors.New("spool: maxSegments must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "spool: create directory")
	}

	c, err := openCursor(filepath.Join(dir, "cursor.db"))
	if err != nil {
		return nil, err
	}

	s := &Spool{dir: dir, segmentBytes: segmentBytes, maxSegments: maxSegments, cursor: c}
	if s.segments, err = listSegments(dir); err != nil {
		_ = c.close()
		return nil, err
	}
	if len(s.segments) == 0 {
		s.segments = []uint64{0}
	}

	pos, err := c.load()
	if err != nil {
		_ = c.close()
		return nil, err
	}
	s.readOffset = int64(pos.ReadOffset)

	if err := s.openWriteSegment(s.segments[len(s.segments)-1]); err != nil {
		_ = c.close()
		return nil, err
	}
	readSeg := pickReadSegment(s.segments, pos.ReadSegment)
	if err := s.openReadSegment(readSeg); err != nil {
		_ = s.writeFile.Close()
		_ = c.close()
		return nil, err
	}
	if readSeg == pos.ReadSegment {
		// Resume exactly where the previous process left off.
		if _, err := s.readFile.Seek(int64(pos.ReadOffset), io.SeekStart); err != nil {
			_ = s.Close()
			return nil, errors.Wrap(err, "spool: seek to read cursor")
		}
		s.readBuf = bufio.NewReader(s.readFile)
	} else {
		s.readOffset = 0
	}
	return s, nil
}

func pickReadSegment(segments []uint64, want uint64) uint64 {
	for _, idx := range segments {
		if idx >= want {
			return idx
		}
	}
	return segments[len(segments)-1]
}

// Close releases the Spool's open file handles and cursor database.
func (s *Spool) Close() error {
	var errs []error
	if s.writeFile != nil {
		errs = append(errs, s.writeFile.Close())
	}
	if s.readFile != nil {
		errs = append(errs, s.readFile.Close())
	}
	errs = append(errs, s.cursor.close())
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// LostSegments returns the count of segments dropped for exceeding
// maxSegments. The count is kept in the cursor database, so it spans
// restarts rather than starting over at each Open.
func (s *Spool) LostSegments() (uint64, error) {
	pos, err := s.cursor.load()
	return pos.LostSegments, err
}

// Append frames (topic, payload) and writes it to the current write
// segment. Call FlushOnOverflow after each Append to enforce segment
// rotation and the segment-count ceiling.
func (s *Spool) Append(topic string, payload []byte) error {
	n, err := writeRecord(s.writeFile, topic, payload)
	s.writeSize += int64(n)
	return err
}

// FlushOnOverflow rotates the current write segment if it has reached
// segmentBytes, and drops the oldest segment if the segment count ceiling
// is exceeded. It returns the identity of a deleted segment, if any, so the
// caller can bump its own lost-segment counter. It's idempotent: called
// again with nothing to do, it returns (nil, nil).
func (s *Spool) FlushOnOverflow() (deleted *uint64, err error) {
	if s.writeSize < s.segmentBytes {
		return nil, nil
	}
	if err = s.writeFile.Sync(); err != nil {
		return nil, errors.Wrap(err, "spool: sync segment")
	}
	if err = s.writeFile.Close(); err != nil {
		return nil, errors.Wrap(err, "spool: close segment")
	}

	next := s.segments[len(s.segments)-1] + 1
	s.segments = append(s.segments, next)
	if err = s.openWriteSegment(next); err != nil {
		return nil, err
	}

	if len(s.segments) <= s.maxSegments {
		return nil, nil
	}

	oldest := s.segments[0]
	s.segments = s.segments[1:]

	// If the reader is on the segment being dropped, move it to the next
	// segment first so it is never left reading a deleted file.
	if s.readFile != nil && oldest == currentReadSegment(s) {
		if err = s.advanceReadSegment(s.segments[0]); err != nil {
			return nil, err
		}
	}

	if err = os.Remove(segmentPath(s.dir, oldest)); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "spool: remove oldest segment")
	}

	pos, err := s.cursor.load()
	if err != nil {
		return nil, err
	}
	pos.LostSegments++
	if err = s.cursor.save(pos); err != nil {
		return nil, err
	}

	log.WithField("segment", oldest).Warn("spool: dropped oldest segment, spool is full")
	return &oldest, nil
}

// ReadRecord reads and unframes the next Publish record at the current read
// position. A corrupt record forces a skip to the next segment boundary
// rather than propagating the corruption upward; io.EOF is returned once
// the current segment is exhausted, at which point the caller should call
// ReloadOnEOF.
func (s *Spool) ReadRecord() (topic string, payload []byte, err error) {
	topic, payload, err = readRecord(s.readBuf)
	switch {
	case err == nil:
		s.readOffset += recordSize(topic, payload)
		return topic, payload, s.saveReadPosition()
	case errors.Cause(err) == ErrCorrupt:
		log.WithError(err).Warn("spool: corrupt record, skipping to next segment")
		return "", nil, io.EOF
	default:
		return "", nil, err
	}
}

// ReloadOnEOF advances the reader past the current (exhausted) segment to
// the next one. It returns true iff there is no further unread segment, in
// which case the caller must transition to Normal.
func (s *Spool) ReloadOnEOF() (bool, error) {
	cur := currentReadSegment(s)
	idx := -1
	for i, seg := range s.segments {
		if seg == cur {
			idx = i
			break
		}
	}
	if idx == -1 || idx == len(s.segments)-1 {
		// Either our segment was already rotated out from under us (caught
		// up to the newest), or there's nothing newer to read.
		if idx == -1 && len(s.segments) > 0 {
			return false, s.advanceReadSegment(s.segments[len(s.segments)-1])
		}
		return true, nil
	}
	return false, s.advanceReadSegment(s.segments[idx+1])
}

func currentReadSegment(s *Spool) uint64 {
	base := strings.TrimSuffix(filepath.Base(s.readFile.Name()), segmentSuffix)
	n, _ := strconv.ParseUint(base, 10, 64)
	return n
}

func (s *Spool) advanceReadSegment(next uint64) error {
	if err := s.openReadSegment(next); err != nil {
		return err
	}
	s.readOffset = 0
	return s.saveReadPosition()
}

func (s *Spool) saveReadPosition() error {
	pos, err := s.cursor.load()
	if err != nil {
		return err
	}
	pos.ReadSegment = currentReadSegment(s)
	pos.ReadOffset = uint64(s.readOffset)
	return s.cursor.save(pos)
}

func (s *Spool) openWriteSegment(idx uint64) error {
	f, err := os.OpenFile(segmentPath(s.dir, idx), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "spool: open write segment")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "spool: stat write segment")
	}
	s.writeFile = f
	s.writeSize = info.Size()
	return nil
}

func (s *Spool) openReadSegment(idx uint64) error {
	if s.readFile != nil {
		_ = s.readFile.Close()
	}
	f, err := os.OpenFile(segmentPath(s.dir, idx), os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "spool: open read segment")
	}
	s.readFile = f
	s.readBuf = bufio.NewReader(f)
	return nil
}

func segmentPath(dir string, idx uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", idx, segmentSuffix))
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "spool: list segments")
	}
	var segments []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, n)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}
