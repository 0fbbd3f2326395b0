// Package metrics implements the agent's periodic self-report: byte
// counters, a lost-segment count, and a capped digest of recent error tags,
// emitted on the same publish path as ordinary telemetry.
package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// maxErrorsLen bounds the Errors digest string.
const maxErrorsLen = 1024

// record is the JSON shape emitted on the metrics stream.
type record struct {
	Sequence      uint32 `json:"sequence"`
	Timestamp     int64  `json:"timestamp"`
	TotalSentSize uint64 `json:"total_sent_size"`
	TotalDiskSize uint64 `json:"total_disk_size"`
	LostSegments  uint64 `json:"lost_segments"`
	Errors        string `json:"errors"`
	ErrorCount    uint64 `json:"error_count"`
}

// Metrics accumulates the agent's self-report counters. It's safe for
// concurrent use: the Serializer updates it from its own goroutine, but a
// local debug endpoint may read a Snapshot concurrently.
type Metrics struct {
	mu    sync.Mutex
	topic string
	rec   record
}

// New returns Metrics that will emit on topic.
func New(topic string) *Metrics {
	return &Metrics{topic: topic}
}

// Topic returns the configured metrics topic.
func (m *Metrics) Topic() string { return m.topic }

// AddTotalSentSize adds size to the running total of bytes handed to the
// transport.
func (m *Metrics) AddTotalSentSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.TotalSentSize += uint64(size)
}

// AddTotalDiskSize adds size to the running total of bytes currently
// resident in the Spool.
func (m *Metrics) AddTotalDiskSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.TotalDiskSize += uint64(size)
}

// SubTotalDiskSize subtracts size from the running total of bytes resident
// in the Spool, e.g. once a spooled record has been read back out for
// replay.
func (m *Metrics) SubTotalDiskSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(size) > m.rec.TotalDiskSize {
		m.rec.TotalDiskSize = 0
		return
	}
	m.rec.TotalDiskSize -= uint64(size)
}

// IncrementLostSegments records that the Spool dropped one more segment.
func (m *Metrics) IncrementLostSegments() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.LostSegments++
}

// AddErrors appends an error tag to the digest and bumps ErrorCount by
// count. Once the digest has grown past maxErrorsLen, further tags are
// still counted but no longer concatenated.
func (m *Metrics) AddErrors(tag string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.ErrorCount += uint64(count)
	if len(m.rec.Errors) > maxErrorsLen {
		return
	}
	m.rec.Errors += tag + " | "
}

// Next advances the sequence counter, timestamps the record, marshals it as
// a single-element JSON array, and resets the per-period counters (Errors,
// LostSegments) -- but not ErrorCount or the size totals, which are
// cumulative for the process lifetime.
func (m *Metrics) Next(now time.Time) (topic string, payload []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rec.Sequence++
	m.rec.Timestamp = now.UnixMilli()

	payload, err = json.Marshal([]record{m.rec})
	if err != nil {
		return "", nil, errors.Wrap(err, "metrics: marshal record")
	}

	m.rec.Errors = ""
	m.rec.LostSegments = 0
	return m.topic, payload, nil
}

// Snapshot returns a copy of the current record for local introspection,
// independent of the emission/reset cycle driven by Next.
func (m *Metrics) Snapshot() (sequence uint32, totalSentSize, totalDiskSize, lostSegments, errorCount uint64, errs string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Sequence, m.rec.TotalSentSize, m.rec.TotalDiskSize, m.rec.LostSegments, m.rec.ErrorCount, m.rec.Errors
}
