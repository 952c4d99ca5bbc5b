// Package serial implements the MoaT serial framer: a byte-level transport
// carrying bus messages between a host and a gateway MCU as
// priority + length + data + CRC-16, with inline 0x06 ACK bytes (spec.md
// §4.4/§6.3). It reuses the bit-addressed message buffer from package
// message for the payload it assembles and serializes, the way the
// teacher's protocol.Transport drives its own Klipper framing off the same
// InputBuffer/OutputBuffer abstractions (protocol/buffers.go).
package serial

import (
	"moatbus/crc"
	"moatbus/message"
)

// AckByte is the inline acknowledgement byte that may appear between
// messages in either direction.
const AckByte = 0x06

// Priority range on the wire, spec.md §6.3.
const (
	PriorityHighest = 0x01
	PriorityLowest  = 0x04
)

type inState int

const (
	inIdle inState = iota
	inLen2
	inData
	inCRC1
	inCRC2
)

// Stats accumulates the framer's lifetime counters (spec.md §3's "counters
// for overflow, lost, spurious, CRC errors; ACK counters in both
// directions").
type Stats struct {
	Overflow uint32
	Lost     uint32
	Spurious uint32
	ErrCRC   uint32
	AckIn    uint32
	AckOut   uint32
}

// Framer is the single-threaded in-bound/out-bound byte stream state
// machine. Like the bus handler, it never blocks: Feed and Tick return
// immediately, and output is pulled by the caller via Next.
type Framer struct {
	maxLen int

	// in-bound assembly state.
	state   inState
	prio    int
	lenByte byte
	length  int
	crcReg  uint16
	msg     *message.Message
	since   uint32 // elapsed time since the last in-bound byte, caller-clocked

	idleTimeout uint32

	// out-bound scheduling: one FIFO per priority level (1..4), plus a
	// flag requesting a bare ACK byte at the next message boundary.
	outQueues  [5][]*message.Message
	pendingAck bool

	Stats Stats
}

// NewFramer creates a framer with the given maximum message length and
// in-bound idle timeout (caller-clocked units; see Tick).
func NewFramer(maxLen int, idleTimeout uint32) *Framer {
	return &Framer{
		maxLen:      maxLen,
		idleTimeout: idleTimeout,
		state:       inIdle,
	}
}

// Enqueue schedules payload for transmission at the given priority
// (1=highest .. 4=lowest).
func (f *Framer) Enqueue(priority int, payload []byte) error {
	if priority < PriorityHighest || priority > PriorityLowest {
		return ErrBadPriority
	}
	msg := message.AllocRaw(len(payload))
	for _, b := range payload {
		if err := msg.AddChunk(uint32(b), 8); err != nil {
			return err
		}
	}
	msg.Prio = priority
	f.outQueues[priority] = append(f.outQueues[priority], msg)
	return nil
}

// EnqueueAck requests a bare ACK byte be sent at the next message boundary.
func (f *Framer) EnqueueAck() {
	f.pendingAck = true
	f.Stats.AckOut++
}

// Next serializes the next queued frame (priority-ordered: 1 before 4), or
// a pending ACK byte if nothing is queued, appending it to dst and
// returning the grown slice plus whether anything was written.
func (f *Framer) Next(dst []byte) ([]byte, bool) {
	for p := PriorityHighest; p <= PriorityLowest; p++ {
		q := f.outQueues[p]
		if len(q) == 0 {
			continue
		}
		msg := q[0]
		f.outQueues[p] = q[1:]
		return f.serialize(dst, msg), true
	}
	if f.pendingAck {
		f.pendingAck = false
		return append(dst, AckByte), true
	}
	return dst, false
}

func (f *Framer) serialize(dst []byte, msg *message.Message) []byte {
	data := msg.Bytes()
	dst = append(dst, byte(msg.Prio))
	if len(data) < 128 {
		dst = append(dst, byte(len(data)))
	} else {
		dst = append(dst, byte(0x80|(len(data)>>8)), byte(len(data)))
	}
	dst = append(dst, data...)
	c := crc.Serial16(data)
	dst = append(dst, byte(c>>8), byte(c))
	return dst
}

// Feed processes in-bound bytes, returning any messages that completed and
// passed CRC during this call, in arrival order. It also resets the
// idle-timeout accumulator, per spec.md §4.4's "in-bound reader".
func (f *Framer) Feed(data []byte) []*message.Message {
	var out []*message.Message
	for _, b := range data {
		f.since = 0
		if msg := f.feedByte(b); msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

func (f *Framer) feedByte(b byte) *message.Message {
	switch f.state {
	case inIdle:
		switch {
		case b >= PriorityHighest && b <= PriorityLowest:
			f.prio = int(b)
			f.state = inLen2 // length byte comes next; reused as "awaiting length"
			f.lenByte = 0
			return nil
		case b == AckByte:
			f.Stats.AckIn++
			return nil
		case b >= 0x20:
			// Out-of-band text outside a message boundary; not framed.
			return nil
		default:
			f.Stats.Spurious++
			return nil
		}

	case inLen2:
		if f.lenByte == 0 && b&0x80 != 0 {
			// First length byte with the continuation bit set: remember
			// it and wait for the second length byte.
			f.lenByte = b
			return nil
		}
		if f.lenByte != 0 {
			f.length = (int(f.lenByte&0x7F) << 8) | int(b)
		} else {
			f.length = int(b)
		}
		if f.length > f.maxLen {
			f.Stats.Overflow++
			f.resetIn()
			return nil
		}
		f.msg = message.AllocRaw(f.length)
		f.msg.Prio = f.prio
		f.crcReg = 0
		if f.length == 0 {
			f.state = inCRC1
		} else {
			f.state = inData
		}
		return nil

	case inData:
		_ = f.msg.AddChunk(uint32(b), 8)
		f.crcReg = crc.UpdateSerial16(f.crcReg, []byte{b})
		if f.msg.MsgLength() >= f.length {
			f.state = inCRC1
		}
		return nil

	case inCRC1:
		f.lenByte = b // reuse as scratch for the high CRC byte
		f.state = inCRC2
		return nil

	case inCRC2:
		recv := uint16(f.lenByte)<<8 | uint16(b)
		msg := f.msg
		f.resetIn()
		if recv != f.crcReg {
			f.Stats.ErrCRC++
			return nil
		}
		return msg
	}
	return nil
}

func (f *Framer) resetIn() {
	f.state = inIdle
	f.msg = nil
	f.length = 0
	f.lenByte = 0
	f.since = 0
}

// Tick advances the idle-timeout accumulator by elapsed caller-clock units.
// If a message is partway through assembly and the configured idle timeout
// is exceeded, it is discarded and Stats.Lost is incremented, per spec.md
// §4.4's "idle timeout" behavior.
func (f *Framer) Tick(elapsed uint32) {
	if f.state == inIdle {
		return
	}
	f.since += elapsed
	if f.since >= f.idleTimeout {
		f.Stats.Lost++
		f.resetIn()
	}
}
