package p2p

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// Envelope wraps one gossiped message for transport. The payload encoding is
// msgpack; record identity hashing never looks at this layer.
type Envelope struct {
	Command string
	Payload []byte
}

// NewEnvelope encodes msg under the given command token.
func NewEnvelope(command string, msg interface{}) (Envelope, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(msg); err != nil {
		return Envelope{}, errors.Wrapf(err, "encoding %s payload", command)
	}
	return Envelope{
		Command: command,
		Payload: buf.Bytes(),
	}, nil
}

// Decode unpacks the payload into msg.
func (e Envelope) Decode(msg interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(e.Payload), &codec.MsgpackHandle{})
	if err := dec.Decode(msg); err != nil {
		return errors.Wrapf(err, "decoding %s payload", e.Command)
	}
	return nil
}
