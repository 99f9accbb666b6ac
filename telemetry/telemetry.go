// Package telemetry is the one-way, best-effort event stream from the
// datapath to anything consuming it (the logging sink, the dashboard).
package telemetry

import "fmt"

// Kind discriminates the two telemetry event shapes.
type Kind int

const (
	KindThroughput Kind = iota
	KindLog
)

// Event is the single struct carried over the Bus channel.
type Event struct {
	Kind    Kind
	TxBytes uint64
	RxBytes uint64
	Message string
}

// Bus is a single-producer-many, single-consumer, non-blocking channel.
// Sends never block the datapath: a full buffer simply drops the event,
// which is an acceptable loss for a telemetry stream.
type Bus struct {
	events chan Event
}

// NewBus creates a Bus with the given buffer depth.
func NewBus(buffer int) *Bus {
	return &Bus{events: make(chan Event, buffer)}
}

// Events exposes the read side for consumers.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Throughput emits a Throughput event; txBytes or rxBytes is zero in the
// unused direction.
func (b *Bus) Throughput(txBytes, rxBytes uint64) {
	b.send(Event{Kind: KindThroughput, TxBytes: txBytes, RxBytes: rxBytes})
}

// Logf emits a formatted Log event.
func (b *Bus) Logf(format string, args ...interface{}) {
	b.send(Event{Kind: KindLog, Message: fmt.Sprintf(format, args...)})
}

func (b *Bus) send(e Event) {
	select {
	case b.events <- e:
	default:
	}
}
