package bquic

// ApplicationErrorCode is used for [Conn.CloseWithError].
type ApplicationErrorCode uint64

// StreamErrorCode is used for
// [ReceiveStream.CancelRead] and [SendStream.CancelWrite].
type StreamErrorCode uint64

const (
	// Closed by the supervisor for sustaining too little throughput
	// while the node was above its connection threshold.
	ThroughputTooLow ApplicationErrorCode = 0x1000 + iota

	// Rejected because too many handshakes were already in flight.
	HandshakeLimit

	// Rejected because another connection
	// with the same client identity is already registered.
	AlreadyConnected

	// The server is shutting down.
	ServerShutdown
)

const (
	// The stream carried bytes that were neither a command nor a message.
	UnrecognizedFrame StreamErrorCode = 0x2000 + iota

	// Delivery of a routed message was abandoned.
	DeliveryCanceled
)
