package spool

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// record is the on-disk framing of one Publish: a 2-byte topic length, the
// topic bytes, a 4-byte payload length, and the payload bytes. It's chosen
// so that a segment can be streamed straight into the Transport Client
// without a JSON re-parse.
//
// ErrCorrupt is returned whenever a length prefix or trailing bytes don't
// check out; callers must treat it as "skip to the next segment", never as
// a reason to crash the agent.
var ErrCorrupt = errors.New("spool: corrupt record")

const (
	maxTopicLen   = 1 << 16
	maxPayloadLen = 1 << 28 // generous; larger than the default 10 MiB segment size
)

// writeRecord frames (topic, payload) onto w.
func writeRecord(w io.Writer, topic string, payload []byte) (int, error) {
	if len(topic) == 0 || len(topic) >= maxTopicLen {
		return 0, errors.Errorf("spool: invalid topic length %d", len(topic))
	}
	if len(payload) >= maxPayloadLen {
		return 0, errors.Errorf("spool: invalid payload length %d", len(payload))
	}

	var header [6]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(len(topic)))
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))

	n := 0
	for _, chunk := range [][]byte{header[:], []byte(topic), payload} {
		m, err := w.Write(chunk)
		n += m
		if err != nil {
			return n, errors.Wrap(err, "spool: write record")
		}
	}
	return n, nil
}

// readRecord unframes one record from r. It returns ErrCorrupt (annotated
// with the underlying cause's message) for any malformed header or short
// read; io.EOF is
// returned verbatim when r is exhausted at a record boundary.
func readRecord(r *bufio.Reader) (topic string, payload []byte, err error) {
	var header [6]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, errors.Wrap(ErrCorrupt, err.Error())
	}

	topicLen := binary.BigEndian.Uint16(header[0:2])
	payloadLen := binary.BigEndian.Uint32(header[2:6])
	if topicLen == 0 || int(payloadLen) >= maxPayloadLen {
		return "", nil, errors.Wrap(ErrCorrupt, "invalid header")
	}

	topicBuf := make([]byte, topicLen)
	if _, err = io.ReadFull(r, topicBuf); err != nil {
		return "", nil, errors.Wrap(ErrCorrupt, err.Error())
	}

	payloadBuf := make([]byte, payloadLen)
	if _, err = io.ReadFull(r, payloadBuf); err != nil {
		return "", nil, errors.Wrap(ErrCorrupt, err.Error())
	}

	return string(topicBuf), payloadBuf, nil
}

// recordSize returns the on-disk size of a framed (topic, payload) record.
func recordSize(topic string, payload []byte) int64 {
	return int64(6 + len(topic) + len(payload))
}
