// Package bridge implements the Bridge: a line-delimited-JSON TCP server
// the on-device application connects to. Each connection gets its own
// Partition Set and feeds sealed Batches into the shared channel the
// Serializer drains. The same connection carries Actions downstream and
// their ActionResponses back up.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Jagannathes/uplink/actions"
	"github.com/Jagannathes/uplink/partition"
	"github.com/Jagannathes/uplink/point"
)

// actionTimeout bounds how long SendAction waits for a connected device to
// respond before giving up.
const actionTimeout = 10 * time.Second

// ErrBridgeDown is returned by SendAction when no device is currently
// connected.
var ErrBridgeDown = errors.New("bridge: no device connected")

// ErrActionTimeout is returned by SendAction when the connected device
// doesn't respond within actionTimeout.
var ErrActionTimeout = errors.New("bridge: action timed out")

// Bridge accepts device connections, turns incoming newline-delimited JSON
// Points into sealed Batches, and forwards Actions to whichever device is
// currently connected.
type Bridge struct {
	port             uint16
	maxPacketSize    int
	sealedCh         chan<- partition.Sealed
	partitionConfigs map[string]partition.Config

	mu      sync.Mutex
	current *conn
}

// New returns a Bridge listening on port, emitting sealed Batches on
// sealedCh, with per-stream Batch capacities from partitionConfigs.
// maxPacketSize bounds the length of any single line the scanner will
// accept before treating the connection as misbehaving.
func New(port uint16, maxPacketSize int, sealedCh chan<- partition.Sealed, partitionConfigs map[string]partition.Config) *Bridge {
	return &Bridge{
		port:             port,
		maxPacketSize:    maxPacketSize,
		sealedCh:         sealedCh,
		partitionConfigs: partitionConfigs,
	}
}

// conn is one accepted device connection: Points flow in via scanner, and
// Actions flow out via netConn, with pending responses tracked by Action ID.
type conn struct {
	netConn net.Conn

	writeMu sync.Mutex

	respMu sync.Mutex
	resp   map[string]chan *actions.ActionResponse
}

// Run listens until ctx is cancelled, accepting one device connection at a
// time -- a later connection replaces the Bridge's notion of "current"
// device, and the superseded connection is closed.
func (b *Bridge) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(int(b.port)))
	if err != nil {
		return errors.Wrap(err, "bridge: listen")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return errors.Wrap(err, "bridge: accept")
			}
		}
		go b.handle(ctx, nc)
	}
}

func (b *Bridge) handle(ctx context.Context, nc net.Conn) {
	c := &conn{netConn: nc, resp: make(map[string]chan *actions.ActionResponse)}

	b.mu.Lock()
	previous := b.current
	b.current = c
	b.mu.Unlock()
	if previous != nil {
		_ = previous.netConn.Close()
	}

	defer func() {
		_ = nc.Close()
		b.mu.Lock()
		if b.current == c {
			b.current = nil
		}
		b.mu.Unlock()
	}()

	set := partition.New(b.sealedCh, b.configsFor())
	defer func() {
		if abandoned := set.Drain(ctx); len(abandoned) > 0 {
			log.WithField("streams", abandoned).Warn("bridge: abandoned partial batches on disconnect")
		}
	}()

	scanner := bufio.NewScanner(nc)
	bufCap := 64 * 1024
	if b.maxPacketSize > 0 && b.maxPacketSize < bufCap {
		bufCap = b.maxPacketSize
	}
	scanner.Buffer(make([]byte, 0, bufCap), b.maxPacketSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.dispatchLine(ctx, c, set, line)
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("bridge: connection read error")
	}
}

func (b *Bridge) configsFor() map[string]partition.Config {
	out := make(map[string]partition.Config, len(b.partitionConfigs))
	for k, v := range b.partitionConfigs {
		out[k] = v
	}
	return out
}

// dispatchLine decides whether an incoming line is telemetry (a Point) or
// the response to a previously sent Action, and routes it accordingly.
func (b *Bridge) dispatchLine(ctx context.Context, c *conn, set *partition.Set, line []byte) {
	if p, err := point.Decode(line); err == nil {
		stream, _ := p.Stream()
		if err := set.Fill(ctx, stream, p); err != nil {
			log.WithError(err).Warn("bridge: fill partition")
		}
		return
	}

	var resp actions.ActionResponse
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == "" {
		log.WithField("line", string(line)).Warn("bridge: unrecognized line, neither a point nor an action response")
		return
	}

	c.respMu.Lock()
	ch, ok := c.resp[resp.ID]
	c.respMu.Unlock()
	if !ok {
		log.WithField("id", resp.ID).Warn("bridge: action response with no matching pending action")
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}

// SendAction forwards action to the currently connected device and waits
// up to actionTimeout for its ActionResponse.
func (b *Bridge) SendAction(ctx context.Context, action actions.Action) (*actions.ActionResponse, error) {
	b.mu.Lock()
	c := b.current
	b.mu.Unlock()
	if c == nil {
		return nil, ErrBridgeDown
	}

	respCh := make(chan *actions.ActionResponse, 1)
	c.respMu.Lock()
	c.resp[action.ID] = respCh
	c.respMu.Unlock()
	defer func() {
		c.respMu.Lock()
		delete(c.resp, action.ID)
		c.respMu.Unlock()
	}()

	payload, err := json.Marshal(action)
	if err != nil {
		return nil, errors.Wrap(err, "bridge: marshal action")
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	_, err = c.netConn.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "bridge: write action")
	}

	timer := time.NewTimer(actionTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, ErrActionTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
