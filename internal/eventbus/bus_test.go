package eventbus

import (
	"testing"
	"time"

	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/schema"
)

var _ core.EventSink = (*Bus)(nil)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	event := schema.CommandExecutionEvent{SessionID: "s1", CommandID: "c1", OutputChunk: "hi"}
	bus.OnCommandExecution(event)

	select {
	case got := <-ch:
		if got.Type != EventCommand {
			t.Fatalf("expected command event, got %v", got.Type)
		}
		if got.Command.SessionID != event.SessionID || got.Command.CommandID != event.CommandID {
			t.Fatalf("unexpected payload: %+v", got.Command)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestSubscriptionsAreScopedBySession(t *testing.T) {
	bus := New(nil)
	mine, cancelMine := bus.Subscribe("s1")
	defer cancelMine()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	bus.OnTerminalOutput(schema.TerminalOutputEvent{SessionID: "s2", Data: []byte("x")})
	bus.OnSessionEvent(schema.SessionEvent{Type: schema.SessionEventReady, Session: schema.SessionSnapshot{ID: "s1"}})

	select {
	case got := <-mine:
		if got.Type != EventSession || got.SessionID() != "s1" {
			t.Fatalf("expected s1 session event, got %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for scoped event")
	}
	select {
	case got := <-mine:
		t.Fatalf("unexpected extra event for s1: %+v", got)
	default:
	}

	var types []EventType
	for range 2 {
		select {
		case got := <-all:
			types = append(types, got.Type)
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timed out waiting for wildcard events, got %v", types)
		}
	}
	if types[0] != EventOutput || types[1] != EventSession {
		t.Fatalf("unexpected wildcard order %v", types)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("s1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	_, cancel := bus.Subscribe("s1")
	defer cancel()

	bus.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s1", CurrentDirectory: "/"})
	done := make(chan struct{})
	go func() {
		bus.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s1", CurrentDirectory: "/tmp"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}

func TestFullSubscriberIsClosedNotSkipped(t *testing.T) {
	bus := New(nil)
	bus.depth = 2
	slow, cancelSlow := bus.Subscribe("s1")
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe("s1")
	defer cancelFast()

	for i := range 3 {
		bus.OnTerminalOutput(schema.TerminalOutputEvent{SessionID: "s1", Data: []byte{byte('a' + i)}})
		<-fast
	}
	bus.OnCommandExecution(schema.CommandExecutionEvent{SessionID: "s1", CommandID: "c1", IsCompleted: true})

	var got []EventType
	for event := range slow {
		got = append(got, event.Type)
	}
	if len(got) != 2 || got[0] != EventOutput || got[1] != EventOutput {
		t.Fatalf("expected the two buffered events before close, got %v", got)
	}
	select {
	case event := <-fast:
		if event.Type != EventCommand || !event.Command.IsCompleted {
			t.Fatalf("expected completion on the live subscriber, got %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("live subscriber missed the completion event")
	}
	cancelSlow()
}
