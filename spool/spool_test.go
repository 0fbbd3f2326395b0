package spool

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20, 4)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append("can", []byte("payload-1")))
	require.NoError(t, s.Append("can", []byte("payload-2")))

	topic, payload, err := s.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, "can", topic)
	assert.Equal(t, []byte("payload-1"), payload)

	topic, payload, err = s.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, "can", topic)
	assert.Equal(t, []byte("payload-2"), payload)

	_, _, err = s.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReloadOnEOFReportsDrainedWithOneSegment(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20, 4)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append("can", []byte("only")))
	_, _, err = s.ReadRecord()
	require.NoError(t, err)

	_, _, err = s.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)

	drained, err := s.ReloadOnEOF()
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestFlushOnOverflowRotatesAndDropsOldest(t *testing.T) {
	dir := t.TempDir()
	// Small segment size so a couple of records force rotation quickly.
	s, err := Open(dir, 32, 2)
	require.NoError(t, err)
	defer s.Close()

	var sawDrop bool
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Append("can", []byte("0123456789")))
		deleted, err := s.FlushOnOverflow()
		require.NoError(t, err)
		if deleted != nil {
			sawDrop = true
		}
	}
	assert.True(t, sawDrop, "expected at least one segment to be dropped for exceeding maxSegments")

	lost, err := s.LostSegments()
	require.NoError(t, err)
	assert.Greater(t, lost, uint64(0))
}

func TestOpenResumesReadCursorAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20, 4)
	require.NoError(t, err)

	require.NoError(t, s.Append("can", []byte("a")))
	require.NoError(t, s.Append("can", []byte("b")))

	topic, payload, err := s.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, "can", topic)
	assert.Equal(t, []byte("a"), payload)
	require.NoError(t, s.Close())

	s2, err := Open(dir, 1<<20, 4)
	require.NoError(t, err)
	defer s2.Close()

	_, payload, err = s2.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), payload, "resumed spool should continue from the persisted cursor, not from the start")
}
