package torlens

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherRoutesByCode(t *testing.T) {
	t.Run("2xx/4xx/5xx go to the command pipeline, not the event subsystem", func(t *testing.T) {
		wrote := make(chan struct{}, 1)
		p := newCommandPipeline(func(string) error {
			wrote <- struct{}{}
			return nil
		}, nil)
		ev := newEventSubscriber(nil)
		d := newDispatcher(p, ev, nil, nil)

		ch := make(chan Event, 1)
		ev.Watch(context.Background(), "CIRC", ch)

		resultCh := make(chan pipelineResult, 1)
		go func() {
			msg, err := p.Submit(context.Background(), "GETINFO version")
			resultCh <- pipelineResult{msg: msg, err: err}
		}()
		<-wrote

		d.Dispatch(&ControlMessage{Code: 250, Lines: []string{"version=0.4.8.1"}})

		res := <-resultCh
		assert.NoError(t, res.err)
		assert.Equal(t, []string{"version=0.4.8.1"}, res.msg.Lines)
		assert.Empty(t, ch, "a reply message must never reach an event subscriber")
	})

	t.Run("650 events go to the event subsystem, not the command pipeline", func(t *testing.T) {
		p := newCommandPipeline(func(string) error { return nil }, nil)
		ev := newEventSubscriber(nil)
		d := newDispatcher(p, ev, nil, nil)

		ch := make(chan Event, 1)
		ev.Watch(context.Background(), "STREAM", ch)

		d.Dispatch(&ControlMessage{
			Code:  650,
			Event: true,
			Lines: []string{"STREAM 7 SENTCONNECT 4 example.com:443"},
		})

		select {
		case got := <-ch:
			assert.Equal(t, "STREAM", got.Type)
			assert.Equal(t, []string{"7", "SENTCONNECT", "4", "example.com:443"}, got.Fields)
		default:
			t.Fatal("expected STREAM event to reach the watcher")
		}
	})

	t.Run("650 events reach an attached tracker", func(t *testing.T) {
		p := newCommandPipeline(func(string) error { return nil }, nil)
		ev := newEventSubscriber(nil)
		tr := NewTracker(nil, nil)
		d := newDispatcher(p, ev, tr, nil)

		d.Dispatch(&ControlMessage{
			Code:  650,
			Event: true,
			Lines: []string{"CIRC 4 LAUNCHED"},
		})

		status, ok := tr.CircuitStatus("4")
		assert.True(t, ok)
		assert.Equal(t, "LAUNCHED", status)
	})

	t.Run("an event with no parseable type is not forwarded to the tracker", func(t *testing.T) {
		p := newCommandPipeline(func(string) error { return nil }, nil)
		ev := newEventSubscriber(nil)
		tr := NewTracker(nil, nil)
		d := newDispatcher(p, ev, tr, nil)

		d.Dispatch(&ControlMessage{Code: 650, Event: true, Lines: []string{""}})

		_, ok := tr.LastObservedAt()
		assert.False(t, ok)
	})
}
