package appconfig

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pkt.systems/ttyx/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion  int                  `mapstructure:"config_version" yaml:"config_version"`
	StateDir       string               `mapstructure:"state_dir" yaml:"state_dir"`
	Engine         EngineConfig         `mapstructure:"engine" yaml:"engine"`
	Local          LocalConfig          `mapstructure:"local" yaml:"local"`
	SSH            SSHConfig            `mapstructure:"ssh" yaml:"ssh"`
	EmbeddedServer EmbeddedServerConfig `mapstructure:"embedded_server" yaml:"embedded_server"`
	HTTP           HTTPConfig           `mapstructure:"http" yaml:"http"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EngineConfig controls session limits and timings.
type EngineConfig struct {
	BringUpTimeoutSeconds int `mapstructure:"bring_up_timeout_seconds" yaml:"bring_up_timeout_seconds"`
	MaxOutputLines        int `mapstructure:"max_output_lines" yaml:"max_output_lines"`
	MaxHistoryItems       int `mapstructure:"max_history_items" yaml:"max_history_items"`
	MaxRawBufferBytes     int `mapstructure:"max_raw_buffer_bytes" yaml:"max_raw_buffer_bytes"`
	ScrollbackLines       int `mapstructure:"scrollback_lines" yaml:"scrollback_lines"`
	InteractiveQuietMs    int `mapstructure:"interactive_quiet_ms" yaml:"interactive_quiet_ms"`
	Rows                  int `mapstructure:"rows" yaml:"rows"`
	Cols                  int `mapstructure:"cols" yaml:"cols"`
}

// LocalConfig configures the local pseudo-terminal provider.
type LocalConfig struct {
	Shell        string            `mapstructure:"shell" yaml:"shell"`
	WorkingDir   string            `mapstructure:"working_dir" yaml:"working_dir"`
	Env          map[string]string `mapstructure:"env" yaml:"env"`
	SourceUserRC bool              `mapstructure:"source_user_rc" yaml:"source_user_rc"`
}

// SSHConfig configures the default SSH terminal connection. An empty host
// disables SSH sessions until a connection is configured.
type SSHConfig struct {
	Connection   schema.ConnectionParams `mapstructure:"connection" yaml:"connection"`
	RCDir        string                  `mapstructure:"rc_dir" yaml:"rc_dir"`
	Env          map[string]string       `mapstructure:"env" yaml:"env"`
	SourceUserRC bool                    `mapstructure:"source_user_rc" yaml:"source_user_rc"`
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	// AcceptRate caps new forwarded streams per second; zero is unlimited.
	AcceptRate float64 `mapstructure:"accept_rate" yaml:"accept_rate"`
}

// EmbeddedServerConfig configures the local SSH/SFTP server used by reverse tunnels.
type EmbeddedServerConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath string `mapstructure:"host_key_path" yaml:"host_key_path"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	Root        string `mapstructure:"root" yaml:"root"`
}

// HTTPConfig configures the HTTP API server.
type HTTPConfig struct {
	Addr            string   `mapstructure:"addr" yaml:"addr"`
	BaseURL         string   `mapstructure:"base_url" yaml:"base_url"`
	BasePath        string   `mapstructure:"base_path" yaml:"base_path"`
	HistorySize     int      `mapstructure:"history_size" yaml:"history_size"`
	ScrollbackLines int      `mapstructure:"scrollback_lines" yaml:"scrollback_lines"`
	AllowedOrigins  []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Metrics         bool     `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls audit logging behavior.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".ttyx")
	conn := schema.DefaultConnectionParams()
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Engine: EngineConfig{
			BringUpTimeoutSeconds: int(schema.DefaultBringUpTimeout / time.Second),
			MaxOutputLines:        schema.DefaultMaxOutputLines,
			MaxHistoryItems:       schema.DefaultMaxHistoryItems,
			MaxRawBufferBytes:     schema.DefaultMaxRawBufferBytes,
			ScrollbackLines:       schema.DefaultScrollbackLines,
			InteractiveQuietMs:    int(schema.DefaultInteractiveQuietDelay / time.Millisecond),
			Rows:                  schema.DefaultRows,
			Cols:                  schema.DefaultCols,
		},
		Local: LocalConfig{
			Shell:        "",
			WorkingDir:   home,
			Env:          map[string]string{},
			SourceUserRC: true,
		},
		SSH: SSHConfig{
			Connection:   conn,
			RCDir:        ".ttyx",
			Env:          map[string]string{},
			SourceUserRC: true,
		},
		EmbeddedServer: EmbeddedServerConfig{
			Enabled:     false,
			Addr:        net.JoinHostPort("127.0.0.1", strconv.Itoa(schema.DefaultLocalSSHPort)),
			HostKeyPath: filepath.Join(base, "ssh_host_key"),
			Username:    schema.DefaultLocalSSHUsername,
			Password:    schema.DefaultLocalSSHPassword,
			Root:        home,
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:27680",
			BaseURL:         "",
			BasePath:        "",
			HistorySize:     1000,
			ScrollbackLines: 200,
			AllowedOrigins:  []string{},
			Metrics:         true,
		},
		Logging: LoggingConfig{
			DisableAuditTrails: false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ttyx", "config.yaml"), nil
}

// EngineSettings converts the engine section to the engine's runtime config.
func (c Config) EngineSettings() schema.EngineConfig {
	return schema.EngineConfig{
		BringUpTimeout:        time.Duration(c.Engine.BringUpTimeoutSeconds) * time.Second,
		MaxOutputLines:        c.Engine.MaxOutputLines,
		MaxHistoryItems:       c.Engine.MaxHistoryItems,
		MaxRawBufferBytes:     c.Engine.MaxRawBufferBytes,
		ScrollbackLines:       c.Engine.ScrollbackLines,
		InteractiveQuietDelay: time.Duration(c.Engine.InteractiveQuietMs) * time.Millisecond,
		Rows:                  c.Engine.Rows,
		Cols:                  c.Engine.Cols,
		DisableAuditLogging:   c.Logging.DisableAuditTrails,
	}
}

// SSHEnabled reports whether a default SSH connection is configured.
func (c Config) SSHEnabled() bool {
	return c.SSH.Connection.Host != "" && c.SSH.Connection.Username != ""
}
