package eventstore

// AggregateBase is the small event-sourcing core each aggregate embeds.
// It tracks the committed sequence number and the events raised by the
// current command but not yet persisted.
type AggregateBase struct {
	id      string
	typ     string
	seq     int64
	pending []Event
}

// Init sets the identity of the aggregate. Called once from the aggregate
// constructor or the first applied event.
func (a *AggregateBase) Init(id, aggregateType string) {
	a.id = id
	a.typ = aggregateType
}

func (a *AggregateBase) AggregateID() string   { return a.id }
func (a *AggregateBase) AggregateType() string { return a.typ }

// Sequence returns the last committed or applied sequence number.
func (a *AggregateBase) Sequence() int64 { return a.seq }

// Raise stamps the event with the next sequence number and queues it for
// persistence. The caller is responsible for having applied the state
// change already (apply-then-raise, so rehydration and live execution share
// one code path is not required).
func (a *AggregateBase) Raise(ev Event) Event {
	a.seq++
	ev.AggregateID = a.id
	ev.AggregateType = a.typ
	ev.SequenceNumber = a.seq
	a.pending = append(a.pending, ev)
	return ev
}

// Replay advances the sequence counter while rehydrating from the store.
func (a *AggregateBase) Replay(ev Event) {
	a.seq = ev.SequenceNumber
}

// RestoreSequence sets the sequence after loading from a snapshot.
func (a *AggregateBase) RestoreSequence(seq int64) { a.seq = seq }

// StampMeta sets correlation and causation on all pending events. Called by
// the command handler once per command, before Save.
func (a *AggregateBase) StampMeta(correlationID, causationID string) {
	for i := range a.pending {
		if a.pending[i].CorrelationID == "" {
			a.pending[i].CorrelationID = correlationID
		}
		if a.pending[i].CausationID == "" {
			a.pending[i].CausationID = causationID
		}
	}
}

// PendingEvents returns the uncommitted events in raise order.
func (a *AggregateBase) PendingEvents() []Event { return a.pending }

// MarkCommitted clears the pending list after a successful append.
func (a *AggregateBase) MarkCommitted() { a.pending = nil }

// CommittedSequence returns the sequence the store knows about: the current
// sequence minus anything still pending.
func (a *AggregateBase) CommittedSequence() int64 {
	return a.seq - int64(len(a.pending))
}
