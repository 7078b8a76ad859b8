package ttyx

import (
	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/schema"
)

// eventFanout delivers every engine event to each sink in order.
type eventFanout struct {
	sinks []core.EventSink
}

func newEventFanout(sinks ...core.EventSink) core.EventSink {
	out := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return eventFanout{sinks: out}
}

func (f eventFanout) OnCommandExecution(event schema.CommandExecutionEvent) {
	for _, sink := range f.sinks {
		sink.OnCommandExecution(event)
	}
}

func (f eventFanout) OnSessionDirectory(event schema.SessionDirectoryEvent) {
	for _, sink := range f.sinks {
		sink.OnSessionDirectory(event)
	}
}

func (f eventFanout) OnTerminalOutput(event schema.TerminalOutputEvent) {
	for _, sink := range f.sinks {
		sink.OnTerminalOutput(event)
	}
}

func (f eventFanout) OnSessionEvent(event schema.SessionEvent) {
	for _, sink := range f.sinks {
		sink.OnSessionEvent(event)
	}
}
