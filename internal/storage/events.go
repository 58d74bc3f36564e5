package storage

import "time"

// Kind discriminates the event families flowing through the pipeline.
type Kind string

const (
	KindLifecycle      Kind = "lifecycle"
	KindAccessDecision Kind = "access_decision"
	KindInvocation     Kind = "invocation"
)

// Event is one immutable record of something that happened: a supervisor
// status transition, an access decision, or a reported invocation outcome.
// EventID is a UUID so downstream consumers can deduplicate; fields outside
// an event's family are left zero.
type Event struct {
	EventID   string
	Kind      Kind
	Timestamp time.Time

	ServerID   string
	ServerName string
	ToolID     string
	ToolName   string
	UserID     string

	// Lifecycle transitions.
	FromStatus string
	ToStatus   string
	Reason     string

	// Access decisions.
	Decision    string
	DenyReason  string
	AccessLevel string
	MatchedKind string
	MatchedID   string
	Roles       []string

	// Invocation outcomes.
	Success    bool
	DurationMs float32
	ErrorMsg   string

	Metadata map[string]string
}

// EventWriter is the sink interface for the event pipeline.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *Event)
	Close()
}

// Dispatcher fans one Write out to several sinks. The in-process metrics
// aggregator subscribes here next to the external ClickHouse writer; sinks
// receive events but never influence core state.
type Dispatcher struct {
	sinks []EventWriter
}

func NewDispatcher(sinks ...EventWriter) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

func (d *Dispatcher) Write(event *Event) {
	for _, s := range d.sinks {
		s.Write(event)
	}
}

func (d *Dispatcher) Close() {
	for _, s := range d.sinks {
		s.Close()
	}
}
