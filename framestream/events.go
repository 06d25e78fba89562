package framestream

// Event is the tagged union delivered on Receiver.Events. Consumers
// switch on the concrete type; there are no callback registrations.
type Event interface {
	isEvent()
}

// ClientConnected reports a producer taking the single service slot.
type ClientConnected struct {
	Addr string
}

// ClientDisconnected reports the active producer going away. Reason is
// human-readable; empty-stream shutdowns read "stream ended".
type ClientDisconnected struct {
	Addr   string
	Reason string
}

// FrameRejected reports a protocol violation (zero or oversized length).
// The connection carrying it is dropped.
type FrameRejected struct {
	Length uint32
	Reason string
}

func (ClientConnected) isEvent()    {}
func (ClientDisconnected) isEvent() {}
func (FrameRejected) isEvent()      {}
