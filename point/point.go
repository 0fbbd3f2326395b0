// Package point holds the in-memory data model for telemetry flowing into
// the agent: individual Points accepted from the Bridge, and the per-stream
// Batches they're aggregated into before being handed to the Serializer.
package point

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrNoStream is returned when a decoded Point is missing its required
// "stream" field.
var ErrNoStream = errors.New("point: missing \"stream\" field")

// Point is a single JSON record carrying a stream name plus arbitrary
// payload fields. It's kept as a raw map rather than a fixed struct because
// the agent never interprets fields beyond "stream" -- it only forwards
// them, and the cloud-side schema for a stream is configuration, not code.
type Point map[string]interface{}

// Stream returns the Point's "stream" field.
func (p Point) Stream() (string, error) {
	v, ok := p["stream"]
	if !ok {
		return "", ErrNoStream
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", ErrNoStream
	}
	return s, nil
}

// Decode parses a single line of newline-delimited JSON into a Point.
func Decode(line []byte) (Point, error) {
	var p Point
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, errors.Wrap(err, "decode point")
	}
	if _, err := p.Stream(); err != nil {
		return nil, err
	}
	return p, nil
}

// Batch is an ordered, fixed-capacity sequence of Points belonging to one
// stream. A Batch is either below capacity (mutable, via Append) or has been
// sealed and handed downstream (immutable thereafter).
type Batch struct {
	Stream   string  `json:"stream"`
	Sequence uint64  `json:"sequence"`
	Capacity int     `json:"-"`
	Points   []Point `json:"points"`
	sealed   bool
}

// NewBatch returns an empty, mutable Batch for the named stream.
func NewBatch(stream string, sequence uint64, capacity int) *Batch {
	return &Batch{
		Stream:   stream,
		Sequence: sequence,
		Capacity: capacity,
		Points:   make([]Point, 0, capacity),
	}
}

// Append adds p to the Batch, sealing it if that fills it to Capacity.
// Append panics if called on an already-sealed Batch, which would indicate
// a Partition Set bug (the caller must always open a fresh Batch after a
// seal) rather than a condition callers should handle.
func (b *Batch) Append(p Point) (sealed bool) {
	if b.sealed {
		panic("point: Append on sealed Batch")
	}
	b.Points = append(b.Points, p)
	if len(b.Points) >= b.Capacity {
		b.sealed = true
	}
	return b.sealed
}

// Sealed reports whether the Batch has been filled to capacity.
func (b *Batch) Sealed() bool { return b.sealed }

// Serialize marshals the Batch's Points as a JSON array, matching the
// wire form the original collector produces: a flat list of the points it
// holds, not the Batch envelope itself.
func (b *Batch) Serialize() ([]byte, error) {
	out, err := json.Marshal(b.Points)
	if err != nil {
		return nil, errors.Wrap(err, "serialize batch")
	}
	return out, nil
}
