package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BasePath string
	// HistorySize bounds the events kept for SSE replay.
	HistorySize int
	// ScrollbackLines is the default line count returned by /api/scroll.
	ScrollbackLines int
	// AllowedOrigins lists websocket origins accepted by /api/attach; empty
	// accepts same-host requests only.
	AllowedOrigins []string
}
