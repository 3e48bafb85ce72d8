package torlens

// opDispatcher labels errors originating from dispatcher operations.
const opDispatcher = "dispatcher"

// dispatcher routes a stream of assembled ControlMessages to the component
// that owns their kind: a 650 message goes to the event subsystem (and, if
// attached, the circuit/stream tracker); every other status code is a
// synchronous reply and goes to the command pipeline. This separation keeps
// the pipeline's "one in flight" invariant free of interference from
// asynchronous events, which may arrive at any time regardless of whether a
// command is outstanding.
type dispatcher struct {
	pipeline *commandPipeline
	events   *eventSubscriber
	tracker  *Tracker
	logger   Logger
}

// newDispatcher wires pipeline and events into a dispatcher. tracker may be
// nil if no circuit/stream tracking is attached to the connection.
func newDispatcher(pipeline *commandPipeline, events *eventSubscriber, tracker *Tracker, logger Logger) *dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &dispatcher{pipeline: pipeline, events: events, tracker: tracker, logger: logger}
}

// Dispatch routes msg to its owner.
func (d *dispatcher) Dispatch(msg *ControlMessage) {
	if msg.Event {
		d.logger.Log("debug", "dispatching event", "code", msg.Code)
		ev := d.events.handle(msg)
		if d.tracker != nil && ev.Type != "" {
			d.tracker.Observe(ev)
		}
		return
	}
	d.logger.Log("debug", "dispatching reply", "code", msg.Code)
	d.pipeline.resolve(msg)
}
