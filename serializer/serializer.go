// Package serializer implements the core of the agent: the state machine
// that takes sealed Batches from a Bridge connection, tries to publish them
// directly, and falls back to the Disk Spool under backpressure or
// transport failure, replaying spooled data once the transport recovers.
//
// The state machine is a small set of tagged states, each implemented as a
// method that runs until it has a reason to transition, with the transition
// encoded in the method's return value rather than in shared mutable flags.
package serializer

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Jagannathes/uplink/metrics"
	"github.com/Jagannathes/uplink/partition"
	"github.com/Jagannathes/uplink/spool"
	"github.com/Jagannathes/uplink/transport"
)

// metricsPeriod is the interval on which Metrics.Next is published.
const metricsPeriod = 10 * time.Second

// pending is an in-flight publish request carried between states: the one
// the Serializer was trying to send when it had to transition away from
// Normal or EventLoopReady.
type pending struct {
	Topic   string
	Payload []byte
}

// kind tags which of the four states a status value represents.
type kind int

const (
	kindNormal kind = iota
	kindSlowEventloop
	kindEventLoopReady
	kindEventLoopCrash
)

// status is the tagged return value of every state method: the next state
// to run, plus whatever data that state needs (a SlowEventloop or
// EventLoopCrash carries the publish it must still resolve).
type status struct {
	kind    kind
	pending pending
}

// Serializer owns the Disk Spool and Transport Client and drives Batches
// from a Partition Set to one or the other, never both at once. It runs on
// a single goroutine and keeps no internal locks, matching the
// single-owner design of partition.Set and spool.Spool.
type Serializer struct {
	sealed  <-chan partition.Sealed
	topics  map[string]string // stream -> transport topic
	client  transport.Client
	spool   *spool.Spool
	metrics *metrics.Metrics
}

// New returns a Serializer that reads sealed Batches from sealed, maps each
// Batch's stream to a transport topic via topics (falling back to the
// stream name itself if absent), and publishes through client, spooling to
// spool when it can't keep up.
func New(sealed <-chan partition.Sealed, topics map[string]string, client transport.Client, sp *spool.Spool, m *metrics.Metrics) *Serializer {
	return &Serializer{sealed: sealed, topics: topics, client: client, spool: sp, metrics: m}
}

func (s *Serializer) topicFor(stream string) string {
	if t, ok := s.topics[stream]; ok && t != "" {
		return t
	}
	return stream
}

// Run drives the state machine until ctx is cancelled or the sealed-batch
// channel closes, starting in EventLoopReady so that anything a previous
// process left in the Spool is replayed first; an empty Spool moves straight
// on to Normal.
func (s *Serializer) Run(ctx context.Context) error {
	st := status{kind: kindEventLoopReady}
	for {
		var next status
		var err error
		switch st.kind {
		case kindNormal:
			next, err = s.normal(ctx)
		case kindSlowEventloop:
			next, err = s.slowEventloop(ctx, st.pending)
		case kindEventLoopReady:
			next, err = s.eventLoopReady(ctx)
		case kindEventLoopCrash:
			next, err = s.eventLoopCrash(ctx, st.pending)
		}
		if err != nil {
			return err
		}
		st = next
	}
}

// normal is the steady state: every sealed Batch and every metrics tick is
// handed straight to TryPublish. A *transport.QueueFullError demotes to
// SlowEventloop carrying the rejected publish; a dead client, or any other
// error, is terminal and ends Run -- restarting the Serializer's domain is
// the caller's problem, not this state machine's.
func (s *Serializer) normal(ctx context.Context) (status, error) {
	ticker := time.NewTicker(metricsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return status{}, ctx.Err()

		case sealed, ok := <-s.sealed:
			if !ok {
				return status{}, errors.New("serializer: sealed batch channel closed")
			}
			p, err := s.batchToPending(sealed)
			if err != nil {
				log.WithError(err).Warn("serializer: dropping unserializable batch")
				continue
			}
			if next, handled, err := s.tryPublish(p); err != nil {
				return status{}, err
			} else if handled {
				return next, nil
			}

		case now := <-ticker.C:
			topic, payload, err := s.metrics.Next(now)
			if err != nil {
				log.WithError(err).Warn("serializer: marshal metrics")
				continue
			}
			p := pending{Topic: topic, Payload: payload}
			if next, handled, err := s.tryPublish(p); err != nil {
				return status{}, err
			} else if handled {
				return next, nil
			}
		}
	}
}

// tryPublish attempts a single TryPublish. handled is true iff the caller
// must transition away from its current state using next. A dead client
// falls through to the default case: it is not this state's job to recover
// from it, only to report it.
func (s *Serializer) tryPublish(p pending) (next status, handled bool, err error) {
	perr := s.client.TryPublish(p.Topic, p.Payload)
	if perr == nil {
		s.metrics.AddTotalSentSize(len(p.Payload))
		return status{}, false, nil
	}
	switch e := perr.(type) {
	case *transport.QueueFullError:
		return status{kind: kindSlowEventloop, pending: pending{Topic: e.Topic, Payload: e.Payload}}, true, nil
	default:
		return status{}, true, perr
	}
}

// slowEventloop holds one publish in flight (via the blocking Publish,
// started on its own goroutine) while the transport's queue drains. Every
// other sealed Batch in the meantime goes straight to the Spool rather than
// piling up in memory, since there's no bound on how long the queue stays
// full.
func (s *Serializer) slowEventloop(ctx context.Context, p pending) (status, error) {
	result := make(chan error, 1)
	go func() { result <- s.client.Publish(p.Topic, p.Payload) }()

	for {
		select {
		case <-ctx.Done():
			return status{}, ctx.Err()

		case sealed, ok := <-s.sealed:
			if !ok {
				return status{}, errors.New("serializer: sealed batch channel closed")
			}
			sp, err := s.batchToPending(sealed)
			if err != nil {
				log.WithError(err).Warn("serializer: dropping unserializable batch")
				continue
			}
			if err := s.spoolAppend(sp); err != nil {
				log.WithError(err).Error("serializer: spool append failed")
			}

		case err := <-result:
			if err != nil {
				// The pending publish never made it out; propagate it as a
				// terminal error rather than recovering in place, the same
				// as Normal does. Only catchup's replay failure is allowed
				// to drop into EventLoopCrash.
				return status{}, err
			}
			s.metrics.AddTotalSentSize(len(p.Payload))
			return status{kind: kindEventLoopReady}, nil
		}
	}
}

// eventLoopReady replays the Spool from its persisted cursor, publishing
// each spooled record in turn while still accepting fresh Batches (which
// also go to the Spool, preserving publish order relative to what's already
// queued there). Once the Spool has nothing left to replay, it transitions
// to Normal.
func (s *Serializer) eventLoopReady(ctx context.Context) (status, error) {
	for {
		sp, drained, err := s.nextSpooled()
		if err != nil {
			return status{}, err
		}
		if drained {
			return status{kind: kindNormal}, nil
		}

		result := make(chan error, 1)
		go func() { result <- s.client.Publish(sp.Topic, sp.Payload) }()

	inner:
		for {
			select {
			case <-ctx.Done():
				return status{}, ctx.Err()

			case sealed, ok := <-s.sealed:
				if !ok {
					return status{}, errors.New("serializer: sealed batch channel closed")
				}
				fresh, err := s.batchToPending(sealed)
				if err != nil {
					log.WithError(err).Warn("serializer: dropping unserializable batch")
					continue
				}
				if err := s.spoolAppend(fresh); err != nil {
					log.WithError(err).Error("serializer: spool append failed")
				}

			case err := <-result:
				if err != nil {
					return status{kind: kindEventLoopCrash, pending: sp}, nil
				}
				s.metrics.AddTotalSentSize(len(sp.Payload))
				s.metrics.SubTotalDiskSize(len(sp.Payload))
				break inner
			}
		}
	}
}

// eventLoopCrash is a permanent sink: once the transport's eventloop has
// died during replay, nothing the Serializer does can bring it back, so it
// never touches the Transport Client again. It spools the publish it was
// holding immediately on entry, then spends the rest of its life -- until
// ctx is cancelled or the sealed-batch channel closes -- spooling every
// further Batch. The only way out is an external restart of the process.
func (s *Serializer) eventLoopCrash(ctx context.Context, p pending) (status, error) {
	if err := s.spoolAppend(p); err != nil {
		log.WithError(err).Error("serializer: spool append failed")
		return status{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return status{}, ctx.Err()

		case sealed, ok := <-s.sealed:
			if !ok {
				return status{}, errors.New("serializer: sealed batch channel closed")
			}
			sp, err := s.batchToPending(sealed)
			if err != nil {
				log.WithError(err).Warn("serializer: dropping unserializable batch")
				continue
			}
			if err := s.spoolAppend(sp); err != nil {
				log.WithError(err).Error("serializer: spool append failed")
			}
		}
	}
}

// nextSpooled returns the next record to replay, skipping corrupt records
// and advancing across segment boundaries transparently. drained is true
// once the Spool has no more unread data: an empty Spool on entry to
// catchup means transition straight back to Normal.
func (s *Serializer) nextSpooled() (p pending, drained bool, err error) {
	for {
		topic, payload, err := s.spool.ReadRecord()
		if err == nil {
			return pending{Topic: topic, Payload: payload}, false, nil
		}
		if err != io.EOF {
			return pending{}, false, err
		}
		empty, err := s.spool.ReloadOnEOF()
		if err != nil {
			// A read error on the cursor/segment metadata itself (not a
			// corrupt record -- ReadRecord already turns that into io.EOF)
			// is rare enough, and recoverable enough by simply resuming
			// fresh publishes, that we prefer falling back to Normal over
			// treating it as fatal to the whole Serializer.
			log.WithError(err).Error("serializer: spool reload failed, abandoning replay")
			return pending{}, true, nil
		}
		if empty {
			return pending{}, true, nil
		}
	}
}

func (s *Serializer) spoolAppend(p pending) error {
	if err := s.spool.Append(p.Topic, p.Payload); err != nil {
		return err
	}
	s.metrics.AddTotalDiskSize(len(p.Payload))
	deleted, err := s.spool.FlushOnOverflow()
	if err != nil {
		return err
	}
	if deleted != nil {
		s.metrics.IncrementLostSegments()
	}
	return nil
}

func (s *Serializer) batchToPending(sealed partition.Sealed) (pending, error) {
	payload, err := sealed.Batch.Serialize()
	if err != nil {
		return pending{}, errors.Wrap(err, "serializer: serialize batch")
	}
	return pending{Topic: s.topicFor(sealed.Batch.Stream), Payload: payload}, nil
}
