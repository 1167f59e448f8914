// Package btrace holds the small OpenTelemetry surface used across the node.
package btrace

import (
	"net"

	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otpnoop "go.opentelemetry.io/otel/trace/noop"
)

type (
	TracerProvider = oteltrace.TracerProvider
	Tracer         = oteltrace.Tracer
	Span           = oteltrace.Span
	KeyValueAttr   = otelattr.KeyValue
)

// NopTracerProvider returns the otel no-op tracer provider,
// used whenever a nil provider is configured.
func NopTracerProvider() TracerProvider {
	return otpnoop.NewTracerProvider()
}

// WithAttributes is an alias to [oteltrace.WithAttributes]
// so that callers only reference btrace.
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// SpanError sets span to error status with detail from err.
func SpanError(span Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

// ErrorAttr returns an "err" attribute holding err's message.
func ErrorAttr(err error) KeyValueAttr {
	return otelattr.String("err", err.Error())
}

// RemoteAddrAttr returns a "remote" attribute holding the peer's address.
func RemoteAddrAttr(a net.Addr) KeyValueAttr {
	return otelattr.Stringer("remote", a)
}

// FrameKindAttr labels a span with the frame kind being handled.
func FrameKindAttr(kind string) KeyValueAttr {
	return otelattr.String("bitcomm.frame.kind", kind)
}

// FrameCodeAttr labels a span with a command opcode or message type.
func FrameCodeAttr(code uint16) KeyValueAttr {
	return otelattr.Int("bitcomm.frame.code", int(code))
}

// FrameSizeAttr records the encoded size of a frame.
func FrameSizeAttr(n int) KeyValueAttr {
	return otelattr.Int("bitcomm.frame.size", n)
}

// ClientAttr records the client ID a span belongs to.
func ClientAttr(id interface{ String() string }) KeyValueAttr {
	return otelattr.Stringer("bitcomm.client", id)
}
