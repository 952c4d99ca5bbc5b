package bus

import "moatbus/message"

// Result is the outcome of a send attempt, reported to the platform via
// Capability.Transmitted.
type Result int

const (
	Success Result = iota
	Missing
	ErrorResult
	Fatal
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case Missing:
		return "MISSING"
	case ErrorResult:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN(" + itoa(int(r)) + ")"
	}
}

// ErrorKind enumerates the handler's diagnostic failure taxonomy (spec.md
// §4.3.8 / §7). Recoverable/transient kinds are handled internally; the
// handler reports all of them through Capability.ReportError for
// observability regardless of whether they also surface via Transmitted.
type ErrorKind int

const (
	ErrNothing ErrorKind = iota
	ErrCollision
	ErrHoldtime
	ErrFlap
	ErrAcquireFatal
	ErrBadCollision
	ErrCRC
	ErrUnhandled
	ErrCannot
	ErrUnused
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNothing:
		return "NOTHING"
	case ErrCollision:
		return "COLLISION"
	case ErrHoldtime:
		return "HOLDTIME"
	case ErrFlap:
		return "FLAP"
	case ErrAcquireFatal:
		return "ACQUIRE_FATAL"
	case ErrBadCollision:
		return "BAD_COLLISION"
	case ErrCRC:
		return "CRC"
	case ErrUnhandled:
		return "UNHANDLED"
	case ErrCannot:
		return "CANNOT"
	case ErrUnused:
		return "UNUSED"
	default:
		return "UNKNOWN_ERR(" + itoa(int(k)) + ")"
	}
}

// DebugFunc mirrors core/debug.go's DebugWriter: an injectable sink for
// diagnostic strings, so the handler never imports fmt or a logging
// library on its hot path.
type DebugFunc func(string)

// Capability is the thin platform interface the handler calls to touch the
// outside world (spec.md §6.4). The platform owns the actual timer and
// wire hardware; the handler only ever sees this interface.
type Capability interface {
	// SetTimeout arms a single-shot timer for delay platform-time-units
	// from now, replacing any previously pending timeout. A later Timer()
	// call on the handler corresponds to this firing.
	SetTimeout(delay uint32)

	// SetWire asserts exactly the given wires low (open-collector
	// semantics: bit set == wire driven low == asserted).
	SetWire(bits uint8)

	// GetWire returns the currently observed wire byte.
	GetWire() uint8

	// Process delivers a fully received, CRC-verified message to the
	// upper layer. Returning true causes the handler to ACK it; false (or
	// any other form of rejection) causes a NACK when the wire width
	// allows expressing one.
	Process(msg *message.Message) bool

	// Transmitted reports the final outcome of a previously enqueued send.
	// Called exactly once per message accepted by Send.
	Transmitted(msg *message.Message, result Result)

	// ReportError is a diagnostic callback; it never participates in
	// control flow.
	ReportError(kind ErrorKind)

	// Debug emits an optional diagnostic string. May be a no-op.
	Debug(s string)
}
