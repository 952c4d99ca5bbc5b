package bus

// Stats accumulates handler-lifetime counters. Not part of the core state
// machine's control flow; purely an observability surface for the upper
// layer, the way the teacher's core/scheduler.go exposes
// GetTimerPastErrors alongside its dispatch loop.
type Stats struct {
	Sent       uint32 // messages reported SUCCESS
	Missing    uint32 // messages reported MISSING after retries exhausted
	Errored    uint32 // messages reported ERROR after retries exhausted
	Fatal      uint32 // messages reported FATAL
	Received   uint32 // messages delivered to Process and accepted
	Rejected   uint32 // messages delivered to Process and rejected (NACKed)
	CRCErrors  uint32 // READ_CRC mismatches and out-of-range chunk values in READ
	Collisions uint32 // collision-recovery entries
	Flaps      uint32 // ERR_FLAP detections
	Holdtimes  uint32 // ERR_HOLDTIME detections
}
