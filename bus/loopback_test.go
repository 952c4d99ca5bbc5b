package bus

import (
	"testing"

	"moatbus/message"
)

// loopbackCap is a single-writer test harness: it plays the part of both
// the platform (driving the handler's own wire) and, only for the ACK
// slot, a cooperative responder. It does not model a second contending
// handler, so collision recovery is not exercised here.
type loopbackCap struct {
	h      *Handler
	wire   uint8
	got    bool
	result Result
}

func (c *loopbackCap) SetTimeout(delay uint32) {
	if c.h == nil {
		return
	}
	switch c.h.state {
	case StateReadAck:
		ack, _ := ackMasks(c.h.cfg.Wires, c.h.lastWire)
		c.wire = ack
	case StateWaitIdle, StateIdle, StateWriteEnd:
		c.wire = 0
	}
	c.h.Timer()
}

func (c *loopbackCap) SetWire(bits uint8)                  { c.wire = bits }
func (c *loopbackCap) GetWire() uint8                       { return c.wire }
func (c *loopbackCap) Process(msg *message.Message) bool    { return true }
func (c *loopbackCap) ReportError(kind ErrorKind)           {}
func (c *loopbackCap) Debug(s string)                       {}
func (c *loopbackCap) Transmitted(msg *message.Message, result Result) {
	c.got = true
	c.result = result
}

// TestSendSuccessLoopback exercises spec.md §8 scenario 1 end to end: a
// single handler sends a one-byte payload against a cooperative ACK
// responder and observes SUCCESS.
func TestSendSuccessLoopback(t *testing.T) {
	cfg := DefaultConfig(4)
	cap := &loopbackCap{}
	h := NewHandler(cfg, cap)
	cap.h = h
	h.state = StateIdle

	msg := message.Alloc(8)
	msg.Dst, msg.Src, msg.Code, msg.Prio = -2, -3, 3, 1
	if err := msg.AddHeader(); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	if err := msg.AddChunk(0xbf, 8); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}

	h.Send(msg)

	if !cap.got {
		t.Fatalf("expected a Transmitted callback")
	}
	if cap.result != Success {
		t.Fatalf("expected SUCCESS, got %v", cap.result)
	}
	if h.Stats.Sent != 1 {
		t.Fatalf("expected Stats.Sent == 1, got %d", h.Stats.Sent)
	}
}
