// Package reassembly rebuilds complete WebSocket messages from frames.
package reassembly

import (
	"github.com/hicat-tech/livera-bridge/internal/model"
)

// Kind is the data type of a message.
type Kind int

const (
	KindText Kind = iota + 1
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Opcode identifies a data frame. Control frames never reach the reassembler.
type Opcode int

const (
	OpContinuation Opcode = iota
	OpText
	OpBinary
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one transport-level data frame, already unmasked.
type Frame struct {
	Op      Opcode
	Fin     bool
	Payload []byte

	// Compressed is the RSV1 bit; meaningful on the first frame only.
	Compressed bool
}

// Message is a complete reassembled payload.
type Message struct {
	Kind       Kind
	Payload    []byte
	Compressed bool
	Fragments  int
}

// State is the reassembler state.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateComplete
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateComplete:
		return "complete"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reassembler is a per-session state machine. It is not safe for
// concurrent use; each session feeds it from its own read loop.
//
// Complete and Rejected are transient: Feed reports them through its
// return values and the reassembler is back in Idle when Feed returns.
type Reassembler struct {
	maxPayload int

	state      State
	kind       Kind
	compressed bool
	fragments  int
	buf        []byte

	// discarding is set after a rejection until the final fragment of the
	// dropped message has been seen.
	discarding bool
}

// New returns a reassembler that rejects messages above maxPayload bytes.
func New(maxPayload int) *Reassembler {
	return &Reassembler{
		maxPayload: maxPayload,
		state:      StateIdle,
	}
}

// Feed consumes one frame. It returns the message when f completes one.
//
// A message growing past the max payload is dropped with
// model.ErrOversizedMessage; the rest of its fragments are discarded
// silently and the reassembler stays usable. Frames that violate
// fragmentation rules return a model.TransportError.
func (r *Reassembler) Feed(f Frame) (*Message, error) {
	switch f.Op {
	case OpText, OpBinary:
		return r.feedData(f)
	case OpContinuation:
		return r.feedContinuation(f)
	default:
		return nil, &model.TransportError{Reason: "unknown data opcode " + f.Op.String()}
	}
}

func (r *Reassembler) feedData(f Frame) (*Message, error) {
	if r.state == StateAccumulating || r.discarding {
		r.reset()
		r.discarding = false
		return nil, model.ErrInterleavedMessage
	}

	kind := KindText
	if f.Op == OpBinary {
		kind = KindBinary
	}

	if len(f.Payload) > r.maxPayload {
		r.discarding = !f.Fin
		return nil, r.reject()
	}

	if f.Fin {
		return &Message{
			Kind:       kind,
			Payload:    append([]byte(nil), f.Payload...),
			Compressed: f.Compressed,
			Fragments:  1,
		}, nil
	}

	r.state = StateAccumulating
	r.kind = kind
	r.compressed = f.Compressed
	r.fragments = 1
	r.buf = append(r.buf[:0], f.Payload...)
	return nil, nil
}

func (r *Reassembler) feedContinuation(f Frame) (*Message, error) {
	if r.discarding {
		if f.Fin {
			r.discarding = false
		}
		return nil, nil
	}
	if r.state != StateAccumulating {
		return nil, model.ErrUnexpectedContinuation
	}

	if len(r.buf)+len(f.Payload) > r.maxPayload {
		r.discarding = !f.Fin
		return nil, r.reject()
	}

	r.buf = append(r.buf, f.Payload...)
	r.fragments++
	if !f.Fin {
		return nil, nil
	}

	msg := &Message{
		Kind:       r.kind,
		Payload:    append([]byte(nil), r.buf...),
		Compressed: r.compressed,
		Fragments:  r.fragments,
	}
	r.reset()
	return msg, nil
}

func (r *Reassembler) reject() error {
	r.state = StateRejected
	r.reset()
	return model.ErrOversizedMessage
}

func (r *Reassembler) reset() {
	r.state = StateIdle
	r.kind = 0
	r.compressed = false
	r.fragments = 0
	r.buf = r.buf[:0]
}

// State returns the current state: Idle or Accumulating between calls.
func (r *Reassembler) State() State {
	return r.state
}

// Kind returns the kind of the message being accumulated, 0 when idle.
func (r *Reassembler) Kind() Kind {
	return r.kind
}

// Buffered returns how many bytes are held for the message in progress.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Discarding reports whether fragments of a rejected message are being skipped.
func (r *Reassembler) Discarding() bool {
	return r.discarding
}
