package core

import "pkt.systems/ttyx/schema"

// EventSink receives command, directory, output and session events from the terminal manager.
// Implementations must not block.
type EventSink interface {
	OnCommandExecution(event schema.CommandExecutionEvent)
	OnSessionDirectory(event schema.SessionDirectoryEvent)
	OnTerminalOutput(event schema.TerminalOutputEvent)
	OnSessionEvent(event schema.SessionEvent)
}

type nopSink struct{}

func (nopSink) OnCommandExecution(schema.CommandExecutionEvent) {}
func (nopSink) OnSessionDirectory(schema.SessionDirectoryEvent) {}
func (nopSink) OnTerminalOutput(schema.TerminalOutputEvent)     {}
func (nopSink) OnSessionEvent(schema.SessionEvent)              {}
