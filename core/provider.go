package core

import (
	"context"
	"io"

	"github.com/spf13/afero"

	"pkt.systems/ttyx/schema"
)

// Channel is the byte stream of one running shell plus its terminal controls.
type Channel interface {
	io.ReadWriteCloser
	// Mode reports live terminal attributes; remote channels return schema.DefaultPtyMode.
	Mode() (schema.PtyMode, error)
	SetWindowSize(rows, cols int) bool
}

// Provider obtains shell channels for one terminal kind.
type Provider interface {
	Kind() schema.TerminalKind
	Connect(ctx context.Context) error
	Connected() bool
	StartSession(ctx context.Context, id schema.SessionID) (Channel, error)
	CloseSession(ctx context.Context, id schema.SessionID) error
	FileSystem() afero.Fs
	WorkingDirectory() string
	Environment() map[string]string
	Disconnect(ctx context.Context) error
}

// ProviderFactory builds the provider for a terminal kind. It is called at
// most once per successful connection.
type ProviderFactory func(ctx context.Context) (Provider, error)

// TunnelCloser tears down every tunnel connection on shutdown.
type TunnelCloser interface {
	DisconnectAll(ctx context.Context) error
}
