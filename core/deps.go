package core

import (
	"pkt.systems/pslog"
	"pkt.systems/ttyx/schema"
)

// TerminalDeps captures dependencies for the terminal manager.
type TerminalDeps struct {
	Providers map[schema.TerminalKind]ProviderFactory
	EventSink EventSink
	Tunnels   TunnelCloser
	Metrics   *Metrics
	Logger    pslog.Logger
}
