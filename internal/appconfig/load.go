package appconfig

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/ttyx/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TTYX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("engine.bring_up_timeout_seconds", cfg.Engine.BringUpTimeoutSeconds)
	v.SetDefault("engine.max_output_lines", cfg.Engine.MaxOutputLines)
	v.SetDefault("engine.max_history_items", cfg.Engine.MaxHistoryItems)
	v.SetDefault("engine.max_raw_buffer_bytes", cfg.Engine.MaxRawBufferBytes)
	v.SetDefault("engine.scrollback_lines", cfg.Engine.ScrollbackLines)
	v.SetDefault("engine.interactive_quiet_ms", cfg.Engine.InteractiveQuietMs)
	v.SetDefault("engine.rows", cfg.Engine.Rows)
	v.SetDefault("engine.cols", cfg.Engine.Cols)
	v.SetDefault("local.shell", cfg.Local.Shell)
	v.SetDefault("local.working_dir", cfg.Local.WorkingDir)
	v.SetDefault("local.env", cfg.Local.Env)
	v.SetDefault("local.source_user_rc", cfg.Local.SourceUserRC)
	conn := cfg.SSH.Connection
	v.SetDefault("ssh.connection.host", conn.Host)
	v.SetDefault("ssh.connection.port", conn.Port)
	v.SetDefault("ssh.connection.username", conn.Username)
	v.SetDefault("ssh.connection.auth_type", string(conn.AuthType))
	v.SetDefault("ssh.connection.password", conn.Password)
	v.SetDefault("ssh.connection.key_path", conn.KeyPath)
	v.SetDefault("ssh.connection.key_passphrase", conn.KeyPassphrase)
	v.SetDefault("ssh.connection.agent_socket", conn.AgentSocket)
	v.SetDefault("ssh.connection.forward_agent", conn.ForwardAgent)
	v.SetDefault("ssh.connection.keep_alive", conn.KeepAlive)
	v.SetDefault("ssh.connection.keep_alive_interval", conn.KeepAliveInterval)
	v.SetDefault("ssh.connection.connect_timeout_seconds", conn.ConnectTimeoutSeconds)
	v.SetDefault("ssh.connection.enable_port_forwarding", conn.EnablePortForwarding)
	v.SetDefault("ssh.connection.local_forward_port", conn.LocalForwardPort)
	v.SetDefault("ssh.connection.remote_forward_port", conn.RemoteForwardPort)
	v.SetDefault("ssh.connection.enable_reverse_tunnel", conn.EnableReverseTunnel)
	v.SetDefault("ssh.connection.remote_tunnel_port", conn.RemoteTunnelPort)
	v.SetDefault("ssh.connection.local_ssh_port", conn.LocalSSHPort)
	v.SetDefault("ssh.connection.local_ssh_username", conn.LocalSSHUsername)
	v.SetDefault("ssh.connection.local_ssh_password", conn.LocalSSHPassword)
	v.SetDefault("ssh.connection.mount_paths", conn.MountPaths)
	v.SetDefault("ssh.rc_dir", cfg.SSH.RCDir)
	v.SetDefault("ssh.env", cfg.SSH.Env)
	v.SetDefault("ssh.source_user_rc", cfg.SSH.SourceUserRC)
	v.SetDefault("ssh.known_hosts_path", cfg.SSH.KnownHostsPath)
	v.SetDefault("ssh.accept_rate", cfg.SSH.AcceptRate)
	v.SetDefault("embedded_server.enabled", cfg.EmbeddedServer.Enabled)
	v.SetDefault("embedded_server.addr", cfg.EmbeddedServer.Addr)
	v.SetDefault("embedded_server.host_key_path", cfg.EmbeddedServer.HostKeyPath)
	v.SetDefault("embedded_server.username", cfg.EmbeddedServer.Username)
	v.SetDefault("embedded_server.password", cfg.EmbeddedServer.Password)
	v.SetDefault("embedded_server.root", cfg.EmbeddedServer.Root)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.history_size", cfg.HTTP.HistorySize)
	v.SetDefault("http.scrollback_lines", cfg.HTTP.ScrollbackLines)
	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)
	v.SetDefault("http.metrics", cfg.HTTP.Metrics)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)
}

func validate(cfg Config) error {
	if cfg.Engine.Rows < 0 || cfg.Engine.Cols < 0 {
		return fmt.Errorf("engine.rows and engine.cols must not be negative")
	}
	if cfg.SSH.Connection.Host != "" {
		if _, err := schema.NormalizeConnectionParams(cfg.SSH.Connection); err != nil {
			return fmt.Errorf("ssh.connection: %w", err)
		}
	}
	if cfg.EmbeddedServer.Enabled {
		if _, _, err := net.SplitHostPort(cfg.EmbeddedServer.Addr); err != nil {
			return fmt.Errorf("embedded_server.addr must be host:port: %w", err)
		}
		if cfg.EmbeddedServer.Username == "" {
			return fmt.Errorf("embedded_server.username is required when enabled")
		}
	}
	return validateHTTPConfig(cfg.HTTP)
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. http://127.0.0.1:27680)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Local.Shell = expandEnv(cfg.Local.Shell)
	cfg.Local.WorkingDir = expandEnv(cfg.Local.WorkingDir)
	cfg.SSH.Connection.KeyPath = expandEnv(cfg.SSH.Connection.KeyPath)
	cfg.SSH.Connection.AgentSocket = expandEnv(cfg.SSH.Connection.AgentSocket)
	cfg.SSH.KnownHostsPath = expandEnv(cfg.SSH.KnownHostsPath)
	cfg.EmbeddedServer.HostKeyPath = expandEnv(cfg.EmbeddedServer.HostKeyPath)
	cfg.EmbeddedServer.Root = expandEnv(cfg.EmbeddedServer.Root)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
