// Package partition implements the Partition Set: the mapping from stream
// name to that stream's currently-open Batch, and the routing of incoming
// Points into it.
//
// A Set is single-writer by construction -- it's created fresh by the
// Bridge at connection-accept and discarded at disconnect, and is only ever
// touched by the one goroutine driving that connection -- so it carries no
// internal locking.
package partition

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Jagannathes/uplink/point"
)

// ErrClosed is returned by Fill when the downstream channel has been closed.
var ErrClosed = errors.New("partition: downstream channel closed")

// Sealed is a Batch that has been filled to capacity and is ready to be
// serialized and shipped.
type Sealed struct {
	Batch *point.Batch
}

// Config gives each stream's Batch capacity.
type Config struct {
	BufSize int
}

// Set routes incoming Points into per-stream Batches, sealing and emitting
// them downstream once full.
type Set struct {
	configs map[string]Config
	open    map[string]*point.Batch
	seq     map[string]uint64
	sealed  chan<- Sealed
}

// New returns a Set that emits sealed Batches on sealedCh, using configs to
// look up each stream's Batch capacity. A stream with no entry in configs
// falls back to a capacity of 1 (each Point is its own Batch), so an
// unconfigured stream is still forwarded rather than silently dropped.
func New(sealedCh chan<- Sealed, configs map[string]Config) *Set {
	return &Set{
		configs: configs,
		open:    make(map[string]*point.Batch),
		seq:     make(map[string]uint64),
		sealed:  sealedCh,
	}
}

// Fill appends p to the open Batch for its stream, creating one if needed.
// If the append fills the Batch to capacity, Fill seals it, sends it on the
// downstream channel, and opens a fresh empty Batch for the stream in its
// place. Fill fails only if the downstream channel is closed (ErrClosed) or
// ctx is done before the sealed Batch is accepted downstream.
func (s *Set) Fill(ctx context.Context, stream string, p point.Point) error {
	b, ok := s.open[stream]
	if !ok {
		b = s.newBatch(stream)
		s.open[stream] = b
	}

	if sealed := b.Append(p); sealed {
		if err := func() (err error) {
			defer func() {
				if recover() != nil {
					err = ErrClosed
				}
			}()
			select {
			case s.sealed <- Sealed{Batch: b}:
				return nil
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "partition: send sealed batch")
			}
		}(); err != nil {
			return err
		}
		s.open[stream] = s.newBatch(stream)
	}
	return nil
}

func (s *Set) newBatch(stream string) *point.Batch {
	capacity := 1
	if cfg, ok := s.configs[stream]; ok && cfg.BufSize > 0 {
		capacity = cfg.BufSize
	}
	seq := s.seq[stream]
	s.seq[stream] = seq + 1
	return point.NewBatch(stream, seq, capacity)
}

// Drain seals and emits every currently-open, non-empty Batch -- used when a
// Bridge connection is torn down so partially filled batches aren't
// silently discarded. It best-effort sends without blocking: a Batch that
// the downstream channel has no room for at that moment (or that meets an
// already-done ctx) is dropped, and its stream is listed in the returned
// slice of abandoned streams.
func (s *Set) Drain(ctx context.Context) (abandoned []string) {
	for stream, b := range s.open {
		if len(b.Points) == 0 {
			continue
		}
		select {
		case s.sealed <- Sealed{Batch: b}:
		case <-ctx.Done():
			abandoned = append(abandoned, stream)
		default:
			abandoned = append(abandoned, stream)
		}
	}
	s.open = make(map[string]*point.Batch)
	return abandoned
}
