package interfaces

// Observer receives I/O and event statistics from drivers. Implementations
// are called from event handlers and must not block.
type Observer interface {
	// ObserveRead is called for each completed read request
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveWrite is called for each completed write request
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveFlush is called for each completed flush request
	ObserveFlush(latencyNs uint64, success bool)

	// ObserveDiscard is called for each completed discard request
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)

	// ObserveQueueDepth is called on submission with the in-flight count
	ObserveQueueDepth(depth uint32)

	// ObserveRingFull is called when a submission is refused for lack of slots
	ObserveRingFull()

	// ObserveEvent is called for each delivered event; spurious is set when
	// no handler was bound to the port
	ObserveEvent(port uint32, spurious bool)
}
