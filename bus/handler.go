package bus

import (
	"moatbus/crc"
	"moatbus/message"
)

// wireCRCBits is the width of the wire-level CRC register (spec.md §4.2's
// "11-bit CRC"), independent of the bus's wire count W.
const wireCRCBits = 11

// Handler is the I/O-free MoaT bus state machine (spec.md §3/§4.3). It owns
// two send queues, the in-flight transmit and receive buffers, the running
// CRC register, and the arbitration/retry bookkeeping. All interaction with
// hardware goes through the Capability the caller supplies.
type Handler struct {
	cfg  Config
	tune wireTuning
	cap  Capability

	state  State
	wstate WriteState

	// lastWire is the wire value the handler last considered settled,
	// used as the XOR base for the next symbol in either direction.
	lastWire uint8
	// intended is the wire value the handler itself last asserted, used to
	// detect collisions against what Wire() later reports.
	intended uint8

	crc         uint16
	currentPrio uint8
	wantPrio    uint8

	// priority/normal send queues, spec.md §3; priority class 0 maps to
	// the priority queue, everything else to normal (see DESIGN.md).
	queues [2][]*message.Message

	txMsg *message.Message
	rxMsg *message.Message

	pending []uint8 // symbols still to drive/expect for the current frame segment
	nval    int     // symbols accumulated toward the current chunk/marker
	vAcc    uint32  // Horner-accumulated value for the current chunk/marker

	tries      int
	noBackoff  bool
	backoff    uint16
	contigZero uint32 // last_zero: contiguous observed-idle time accumulator

	transitions int // wire transitions observed since the last settle, for ERR_FLAP

	Stats Stats
}

// NewHandler creates a handler for the given configuration, bound to cap.
func NewHandler(cfg Config, cap Capability) *Handler {
	h := &Handler{
		cfg:     cfg,
		tune:    TuningFor(cfg.Wires),
		cap:     cap,
		state:   StateWaitIdle,
		backoff: cfg.BackoffMin,
	}
	cap.SetTimeout(cfg.TZero)
	return h
}

func (h *Handler) debug(s string) {
	if h.cap != nil {
		h.cap.Debug(s)
	}
}

func (h *Handler) reportError(kind ErrorKind) {
	switch kind {
	case ErrCollision:
		h.Stats.Collisions++
	case ErrFlap:
		h.Stats.Flaps++
	case ErrHoldtime:
		h.Stats.Holdtimes++
	case ErrCRC:
		h.Stats.CRCErrors++
	}
	h.cap.ReportError(kind)
}

// queueIndex maps a message's intended priority class to one of the two
// FIFOs the handler keeps: class 0 is the priority queue, everything else
// the normal queue (see DESIGN.md's Open Question writeup).
func queueIndex(msg *message.Message) int {
	if msg.Prio == 0 {
		return 0
	}
	return 1
}

// Send enqueues msg for transmission. Ownership transfers to the handler;
// exactly one Transmitted callback will eventually report its outcome.
func (h *Handler) Send(msg *message.Message) {
	i := queueIndex(msg)
	h.queues[i] = append(h.queues[i], msg)
	if h.state == StateIdle {
		h.tryAcquire()
	}
}

func (h *Handler) dequeue() *message.Message {
	for i := range h.queues {
		if len(h.queues[i]) > 0 {
			m := h.queues[i][0]
			h.queues[i] = h.queues[i][1:]
			return m
		}
	}
	return nil
}

func (h *Handler) requeueFront(msg *message.Message) {
	i := queueIndex(msg)
	h.queues[i] = append([]*message.Message{msg}, h.queues[i]...)
}

// State reports the handler's current top-level state, mostly useful for
// tests and diagnostics.
func (h *Handler) State() State { return h.state }

// --- entry points ----------------------------------------------------------

// Wire is called by the platform whenever the observed wire byte changes.
// Must be delivered in order. This is spec.md's "change event": it re-arms
// the settle timer; the actual decision happens when Timer() later fires.
func (h *Handler) Wire(bits uint8) {
	h.transitions++
	if h.state == StateWaitIdle || h.state == StateIdle {
		if bits != 0 {
			h.contigZero = 0
			if h.state == StateIdle {
				h.state = StateReadAcquire
			}
		}
	}
	h.cap.SetTimeout(h.cfg.TSettle)
}

// Timer is called by the platform when the previously armed timeout fires.
// This is spec.md's "settle event": every real state transition happens
// here, driven off the bus value the platform reports via GetWire.
func (h *Handler) Timer() {
	// ERR_FLAP (spec.md §4.3.8/§7): more than 2*W wire transitions inside a
	// single settle window indicates a hardware fault, not real traffic.
	if h.transitions > 2*h.cfg.Wires {
		h.transitions = 0
		h.reportError(ErrFlap)
		h.enterError()
		return
	}
	h.transitions = 0

	switch h.state {
	case StateWaitIdle:
		h.onWaitIdleSettle()
	case StateIdle:
		h.tryAcquire()
	case StateWriteAcquire:
		h.onWriteAcquireSettle()
	case StateWrite:
		h.onWriteSettle()
	case StateWriteCRC:
		h.onWriteCRCSettle()
	case StateReadAck:
		h.onReadAckSettle()
	case StateReadAcquire:
		h.onReadAcquireSettle()
	case StateRead:
		h.onReadSettle()
	case StateReadCRC:
		h.onReadCRCSettle()
	case StateWriteAck:
		h.onWriteAckSettle()
	case StateWriteEnd:
		h.state = StateWaitIdle
		h.cap.SetTimeout(h.cfg.TZero)
	case StateError:
		h.state = StateWaitIdle
		h.cap.SetTimeout(h.cfg.TZero)
	}
}

// --- WAIT_IDLE / IDLE --------------------------------------------------------

func (h *Handler) onWaitIdleSettle() {
	bits := h.cap.GetWire()
	if bits != 0 {
		h.contigZero = 0
		h.cap.SetTimeout(h.cfg.TZero)
		return
	}
	h.contigZero += h.cfg.TZero
	if h.contigZero >= uint32(h.cfg.TZero) {
		h.state = StateIdle
		h.tryAcquire()
		return
	}
	h.cap.SetTimeout(h.cfg.TZero)
}

// tryAcquire attempts to start transmitting the head of the send queues, or
// falls back to listening for foreign traffic if nothing is queued.
func (h *Handler) tryAcquire() {
	msg := h.dequeue()
	if msg == nil {
		h.state = StateIdle
		return
	}
	h.txMsg = msg
	h.wantPrio = uint8(1) << uint(msg.Prio)
	h.state = StateWriteAcquire
	h.intended = h.wantPrio
	h.cap.SetWire(h.wantPrio)
	h.cap.SetTimeout(h.cfg.TSettle)
}

func (h *Handler) onWriteAcquireSettle() {
	bits := h.cap.GetWire()
	switch {
	case bits == h.wantPrio:
		h.beginWrite()
	case bits&(h.wantPrio-1) != 0:
		// A higher-priority (lower-numbered) wire is also asserted; yield
		// and listen for the winner instead of contending further.
		h.requeueFront(h.txMsg)
		h.txMsg = nil
		h.cap.SetWire(0)
		h.state = StateReadAcquire
		h.cap.SetTimeout(h.cfg.TSettle)
	default:
		h.reportError(ErrAcquireFatal)
		h.cap.SetWire(0)
		h.enterError()
	}
}

func (h *Handler) beginWrite() {
	h.currentPrio = h.wantPrio
	h.crc = 0
	h.lastWire = h.wantPrio
	h.state = StateWrite
	h.wstate = WriteMore
	h.queueNextChunk()
}

// --- writer side -------------------------------------------------------------

// queueNextChunk pulls the next BITS[W]-wide chunk from txMsg and encodes
// it into the pending symbol queue, or (if the message is exhausted)
// queues the end-of-message marker and advances wstate toward CRC.
func (h *Handler) queueNextChunk() {
	if h.wstate == WriteMore {
		v, _ := h.txMsg.ExtractChunk(h.tune.Bits)
		if v >= h.tune.ValMax {
			// Final chunk (possibly a residual fragment); still transmit
			// it, then the end-of-message marker, before moving to CRC.
			h.pending = symbolsForValue(v, h.tune.Max, h.tune.Len)
			h.wstate = WriteFinal
		} else {
			h.pending = symbolsForValue(v, h.tune.Max, h.tune.Len)
		}
		h.driveNextSymbol()
		return
	}
	if h.wstate == WriteFinal {
		endVal := h.tune.ValEnd
		h.pending = symbolsForValue(endVal, h.tune.Max, h.tune.NEnd)
		h.wstate = WriteCRCState
		h.driveNextSymbol()
		return
	}
	// wstate == WriteCRCState: queue the CRC frame itself.
	h.pending = symbolsForValue(uint32(h.crc), h.tune.Max, h.tune.LenCRC)
	h.driveNextSymbol()
}

func (h *Handler) driveNextSymbol() {
	if len(h.pending) == 0 {
		h.afterChunkComplete()
		return
	}
	sym := h.pending[0]
	h.pending = h.pending[1:]
	h.intended = h.lastWire ^ sym
	h.cap.SetWire(h.intended)
	h.cap.SetTimeout(h.cfg.TSettle)
}

// afterChunkComplete is called once a queued symbol run (data chunk, end
// marker, or CRC frame) has been fully driven; it decides what comes next.
func (h *Handler) afterChunkComplete() {
	switch h.wstate {
	case WriteMore:
		h.queueNextChunk()
	case WriteFinal:
		h.queueNextChunk()
	case WriteCRCState:
		h.state = StateWriteCRC
		h.queueNextChunk()
	}
}

func (h *Handler) onWriteSettle() {
	bits := h.cap.GetWire()
	if bits != h.intended {
		h.enterCollisionRecovery(bits)
		return
	}
	sym := h.intended ^ h.lastWire
	h.crc = crcUpdate(h.crc, sym^h.currentPrio, h.cfg.Wires)
	h.lastWire = h.intended
	h.driveNextSymbol()
}

func (h *Handler) onWriteCRCSettle() {
	bits := h.cap.GetWire()
	if bits != h.intended {
		h.enterCollisionRecovery(bits)
		return
	}
	h.lastWire = h.intended
	if len(h.pending) > 0 {
		h.driveNextSymbol()
		return
	}
	// CRC fully sent; release the bus and read the ACK slot.
	h.cap.SetWire(0)
	h.state = StateReadAck
	h.cap.SetTimeout(h.cfg.TSettle)
}

func (h *Handler) onReadAckSettle() {
	bits := h.cap.GetWire()
	ack, nack := ackMasks(h.cfg.Wires, h.lastWire)
	switch {
	case bits == ack:
		h.finishSend(Success)
	case nack != 0 && bits == nack:
		h.retrySend(ErrorResult)
	case bits == 0:
		h.retrySend(Missing)
	default:
		h.reportError(ErrBadCollision)
		h.retryFatal()
	}
}

func (h *Handler) finishSend(result Result) {
	switch result {
	case Success:
		h.Stats.Sent++
		h.backoff /= 2
		if h.backoff < h.cfg.BackoffMin {
			h.backoff = h.cfg.BackoffMin
		}
	case Missing:
		h.Stats.Missing++
	case ErrorResult:
		h.Stats.Errored++
	case Fatal:
		h.Stats.Fatal++
	}
	h.cap.Transmitted(h.txMsg, result)
	h.txMsg = nil
	h.state = StateWriteEnd
	h.cap.SetTimeout(h.cfg.TBreak)
}

func (h *Handler) retrySend(result Result) {
	switch result {
	case Missing:
		if h.tries == 0 {
			h.tries = 2
		}
	case ErrorResult:
		if h.tries == 0 {
			h.tries = 4
		}
	}
	h.tries--
	if h.tries <= 0 {
		h.finishSend(result)
		return
	}
	if !h.noBackoff {
		h.growBackoff()
	}
	h.noBackoff = false
	h.requeueFront(h.txMsg)
	h.txMsg = nil
	h.state = StateWriteEnd
	h.cap.SetTimeout(h.cfg.TBreak)
}

// retryFatal applies the FATAL retry/error policy for ERR_BAD_COLLISION
// (spec.md §4.3.7: "FATAL (bad collision / policy): tries := 6"; §7:
// protocol/hardware faults "Enter ERROR, apply T_ERROR cooldown, increase
// backoff"). Unlike retrySend's plain T_BREAK cooldown, this always routes
// through enterError, win or lose the retry.
func (h *Handler) retryFatal() {
	if h.tries == 0 {
		h.tries = 6
	}
	h.tries--
	if h.tries <= 0 {
		h.Stats.Fatal++
		h.cap.Transmitted(h.txMsg, Fatal)
		h.txMsg = nil
	} else {
		h.requeueFront(h.txMsg)
		h.txMsg = nil
	}
	h.enterError()
}

// enterCollisionRecovery handles an unintended wire assertion observed
// during WRITE/WRITE_CRC, per spec.md §4.3.5: the foreign bit identifies
// the winning contender, and this handler flips to reading the winner's
// message while remembering to retry without backoff afterward.
func (h *Handler) enterCollisionRecovery(bits uint8) {
	foreign := bits &^ h.currentPrio
	if foreign == 0 {
		// Nothing foreign actually asserted; treat as a hold-time fault.
		h.reportError(ErrHoldtime)
		h.enterError()
		return
	}
	h.reportError(ErrCollision)
	wantPrio := foreign & (-foreign)

	h.requeueFront(h.txMsg)
	h.noBackoff = true
	h.txMsg = nil

	h.currentPrio = wantPrio
	h.lastWire = bits
	h.crc = 0
	h.rxMsg = message.AllocRaw(h.cfg.MaxPayload)
	h.nval, h.vAcc = 0, 0
	h.state = StateRead
}

// --- reader side ---------------------------------------------------------

func (h *Handler) onReadAcquireSettle() {
	bits := h.cap.GetWire()
	if bits == 0 || bits&(bits-1) != 0 {
		// Zero or more than one bit: nothing to acquire on (yet), or a
		// hold-time/flap condition; stay put and keep listening.
		h.cap.SetTimeout(h.cfg.TSettle)
		return
	}
	h.currentPrio = bits
	h.lastWire = bits
	h.crc = 0
	h.rxMsg = message.AllocRaw(h.cfg.MaxPayload)
	h.rxMsg.StartAdd()
	h.nval, h.vAcc = 0, 0
	h.state = StateRead
	h.cap.SetTimeout(h.cfg.TSettle)
}

func (h *Handler) onReadSettle() {
	bits := h.cap.GetWire()
	sym := bits ^ h.lastWire
	if sym == 0 {
		h.reportError(ErrNothing)
		h.cap.SetTimeout(h.cfg.TSettle)
		return
	}
	h.crc = crcUpdate(h.crc, sym^h.currentPrio, h.cfg.Wires)
	h.lastWire = bits
	h.nval++
	h.vAcc = accumulateSymbol(h.vAcc, h.tune.Max, sym)

	if h.nval == h.tune.NEnd && h.vAcc == h.tune.ValEnd {
		h.state = StateReadCRC
		h.nval, h.vAcc = 0, 0
		h.cap.SetTimeout(h.cfg.TSettle)
		return
	}

	if h.nval == h.tune.Len {
		v := h.vAcc
		limit := h.tune.ValMax + (uint32(1) << uint(h.tune.Bits-8))
		switch {
		case v >= limit:
			h.reportError(ErrCRC)
			h.failRead()
			return
		case v >= h.tune.ValMax:
			_ = h.rxMsg.AddChunk(v-h.tune.ValMax, h.tune.Bits-8)
			h.state = StateReadCRC
		default:
			_ = h.rxMsg.AddChunk(v, h.tune.Bits)
		}
		h.nval, h.vAcc = 0, 0
	}
	h.cap.SetTimeout(h.cfg.TSettle)
}

func (h *Handler) onReadCRCSettle() {
	bits := h.cap.GetWire()
	sym := bits ^ h.lastWire
	h.lastWire = bits
	h.nval++
	h.vAcc = accumulateSymbol(h.vAcc, h.tune.Max, sym)

	if h.nval < h.tune.LenCRC {
		h.cap.SetTimeout(h.cfg.TSettle)
		return
	}

	recv := uint16(h.vAcc)
	if recv == h.crc {
		// Embed the validated wire CRC as a trailing, frame-aligned field
		// so cap.Process sees a self-describing buffer (payload + stuff
		// bit + the 11-bit wire CRC) rather than needing h.crc, which the
		// handler reuses for the very next message.
		h.rxMsg.FillCRC(8, recv, wireCRCBits)
		accepted := h.cap.Process(h.rxMsg)
		if accepted {
			h.Stats.Received++
			h.beginAck(true)
		} else {
			h.Stats.Rejected++
			h.beginAck(false)
		}
		return
	}
	h.reportError(ErrCRC)
	h.beginAck(false)
}

// beginAck drives the ACK or NACK symbol for one settle interval, if the
// wire width can express one; otherwise the handler simply returns to
// WAIT_IDLE, matching spec.md §4.3.3's "else WAIT_IDLE" fallback.
func (h *Handler) beginAck(accept bool) {
	ack, nack := ackMasks(h.cfg.Wires, h.lastWire)
	mask := ack
	if !accept {
		mask = nack
	}
	if mask == 0 {
		h.rxMsg = nil
		h.state = StateWaitIdle
		h.cap.SetTimeout(h.cfg.TZero)
		return
	}
	h.intended = mask
	h.cap.SetWire(mask)
	h.state = StateWriteAck
	h.cap.SetTimeout(h.cfg.TSettle)
}

func (h *Handler) onWriteAckSettle() {
	h.cap.SetWire(0)
	h.rxMsg = nil
	h.state = StateWaitIdle
	h.cap.SetTimeout(h.cfg.TZero)
}

func (h *Handler) failRead() {
	h.rxMsg = nil
	h.cap.SetWire(0)
	h.state = StateWaitIdle
	h.cap.SetTimeout(h.cfg.TZero)
}

func (h *Handler) enterError() {
	h.state = StateError
	h.growBackoff()
	h.cap.SetTimeout(h.cfg.TError)
}

// growBackoff applies the 1.5x backoff growth spec.md's retry/error policy
// calls for, rounding up so a small backoff value (e.g. BackoffMin == 1)
// still actually grows instead of getting stuck at its own floor.
func (h *Handler) growBackoff() {
	grown := h.backoff + h.backoff/2
	if grown <= h.backoff {
		grown = h.backoff + 1
	}
	if grown > h.cfg.BackoffMax {
		grown = h.cfg.BackoffMax
	}
	h.backoff = grown
}

// crcUpdate wraps the generalized CRC table lookup; kept local to bus so
// the only knowledge of the crc package's API lives in one place.
func crcUpdate(reg uint16, value uint8, w int) uint16 {
	return crc.UpdateWire11(reg, value, w)
}
