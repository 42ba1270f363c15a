package models

// Sink receives outbound updates. Implementations must not block and give no delivery
// guarantee back to the caller.
type Sink interface {
	Publish(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Update)

// Publish calls f(u).
func (f SinkFunc) Publish(u Update) { f(u) }

// NopSink drops every update.
var NopSink Sink = SinkFunc(func(Update) {})
