package bquic

// MeteredStream reports every byte read from or written to
// the wrapped stream.
type MeteredStream struct {
	Stream

	onProgress func(int)
}

// Meter wraps s so that onProgress is called
// with the byte count of every successful read or write.
// onProgress must be safe for concurrent use.
func Meter(s Stream, onProgress func(int)) MeteredStream {
	return MeteredStream{Stream: s, onProgress: onProgress}
}

func (m MeteredStream) Read(p []byte) (int, error) {
	n, err := m.Stream.Read(p)
	if n > 0 {
		m.onProgress(n)
	}
	return n, err
}

func (m MeteredStream) Write(p []byte) (int, error) {
	n, err := m.Stream.Write(p)
	if n > 0 {
		m.onProgress(n)
	}
	return n, err
}

// MeteredSendStream is the [SendStream] counterpart to [MeteredStream].
type MeteredSendStream struct {
	SendStream

	onProgress func(int)
}

// MeterSend wraps s in the same manner as [Meter].
func MeterSend(s SendStream, onProgress func(int)) MeteredSendStream {
	return MeteredSendStream{SendStream: s, onProgress: onProgress}
}

func (m MeteredSendStream) Write(p []byte) (int, error) {
	n, err := m.SendStream.Write(p)
	if n > 0 {
		m.onProgress(n)
	}
	return n, err
}
