package schema

import (
	"fmt"
	"strings"
)

// AuthType selects how an SSH connection authenticates.
type AuthType string

const (
	// AuthPassword authenticates with a password.
	AuthPassword AuthType = "password"
	// AuthPublicKey authenticates with a private key file.
	AuthPublicKey AuthType = "public_key"
	// AuthAgent authenticates through the ssh-agent at SSH_AUTH_SOCK.
	AuthAgent AuthType = "agent"
)

// Default SSH connection parameters.
const (
	DefaultSSHPort              = 22
	DefaultKeepAliveInterval    = 60
	DefaultKeepAliveMaxMisses   = 3
	DefaultForwardPort          = 8752
	DefaultRemoteTunnelPort     = 2222
	DefaultLocalSSHPort         = 2222
	DefaultLocalSSHUsername     = "ubuntu"
	DefaultLocalSSHPassword     = "ubuntu"
	DefaultConnectTimeoutSecond = 180
)

// DefaultMountPaths are the remote directories bound back to local storage.
var DefaultMountPaths = []string{"~/storage", "~/sdcard"}

// ConnectionParams configures an SSH connection and its tunnels.
type ConnectionParams struct {
	Host                  string   `json:"host" mapstructure:"host" yaml:"host"`
	Port                  int      `json:"port" mapstructure:"port" yaml:"port"`
	Username              string   `json:"username" mapstructure:"username" yaml:"username"`
	AuthType              AuthType `json:"auth_type" mapstructure:"auth_type" yaml:"auth_type"`
	Password              string   `json:"password,omitempty" mapstructure:"password" yaml:"password"`
	KeyPath               string   `json:"key_path,omitempty" mapstructure:"key_path" yaml:"key_path"`
	KeyPassphrase         string   `json:"key_passphrase,omitempty" mapstructure:"key_passphrase" yaml:"key_passphrase"`
	AgentSocket           string   `json:"agent_socket,omitempty" mapstructure:"agent_socket" yaml:"agent_socket"`
	ForwardAgent          bool     `json:"forward_agent" mapstructure:"forward_agent" yaml:"forward_agent"`
	KeepAlive             bool     `json:"keep_alive" mapstructure:"keep_alive" yaml:"keep_alive"`
	KeepAliveInterval     int      `json:"keep_alive_interval" mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
	ConnectTimeoutSeconds int      `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	EnablePortForwarding  bool     `json:"enable_port_forwarding" mapstructure:"enable_port_forwarding" yaml:"enable_port_forwarding"`
	LocalForwardPort      int      `json:"local_forward_port" mapstructure:"local_forward_port" yaml:"local_forward_port"`
	RemoteForwardPort     int      `json:"remote_forward_port" mapstructure:"remote_forward_port" yaml:"remote_forward_port"`
	EnableReverseTunnel   bool     `json:"enable_reverse_tunnel" mapstructure:"enable_reverse_tunnel" yaml:"enable_reverse_tunnel"`
	RemoteTunnelPort      int      `json:"remote_tunnel_port" mapstructure:"remote_tunnel_port" yaml:"remote_tunnel_port"`
	LocalSSHPort          int      `json:"local_ssh_port" mapstructure:"local_ssh_port" yaml:"local_ssh_port"`
	LocalSSHUsername      string   `json:"local_ssh_username" mapstructure:"local_ssh_username" yaml:"local_ssh_username"`
	LocalSSHPassword      string   `json:"local_ssh_password,omitempty" mapstructure:"local_ssh_password" yaml:"local_ssh_password"`
	MountPaths            []string `json:"mount_paths,omitempty" mapstructure:"mount_paths" yaml:"mount_paths"`
}

// DefaultConnectionParams returns parameters with every default applied.
func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		Port:                  DefaultSSHPort,
		AuthType:              AuthPassword,
		KeepAlive:             true,
		KeepAliveInterval:     DefaultKeepAliveInterval,
		ConnectTimeoutSeconds: DefaultConnectTimeoutSecond,
		LocalForwardPort:      DefaultForwardPort,
		RemoteForwardPort:     DefaultForwardPort,
		RemoteTunnelPort:      DefaultRemoteTunnelPort,
		LocalSSHPort:          DefaultLocalSSHPort,
		LocalSSHUsername:      DefaultLocalSSHUsername,
		LocalSSHPassword:      DefaultLocalSSHPassword,
		MountPaths:            append([]string(nil), DefaultMountPaths...),
	}
}

// NormalizeConnectionParams fills zero values with defaults and validates required fields.
func NormalizeConnectionParams(p ConnectionParams) (ConnectionParams, error) {
	def := DefaultConnectionParams()
	p.Host = strings.TrimSpace(p.Host)
	p.Username = strings.TrimSpace(p.Username)
	if p.Host == "" || p.Username == "" {
		return ConnectionParams{}, fmt.Errorf("%w: host and username are required", ErrInvalidConnectionParams)
	}
	if p.Port <= 0 {
		p.Port = def.Port
	}
	if p.AuthType == "" {
		if p.KeyPath != "" {
			p.AuthType = AuthPublicKey
		} else {
			p.AuthType = AuthPassword
		}
	}
	switch p.AuthType {
	case AuthPassword, AuthAgent:
	case AuthPublicKey:
		if strings.TrimSpace(p.KeyPath) == "" {
			return ConnectionParams{}, fmt.Errorf("%w: key_path is required for public_key auth", ErrInvalidConnectionParams)
		}
	default:
		return ConnectionParams{}, fmt.Errorf("%w: unsupported auth_type %q", ErrInvalidConnectionParams, p.AuthType)
	}
	if p.KeepAliveInterval <= 0 {
		p.KeepAliveInterval = def.KeepAliveInterval
	}
	if p.ConnectTimeoutSeconds <= 0 {
		p.ConnectTimeoutSeconds = def.ConnectTimeoutSeconds
	}
	if p.LocalForwardPort <= 0 {
		p.LocalForwardPort = def.LocalForwardPort
	}
	if p.RemoteForwardPort <= 0 {
		p.RemoteForwardPort = def.RemoteForwardPort
	}
	if p.RemoteTunnelPort <= 0 {
		p.RemoteTunnelPort = def.RemoteTunnelPort
	}
	if p.LocalSSHPort <= 0 {
		p.LocalSSHPort = def.LocalSSHPort
	}
	if p.LocalSSHUsername == "" {
		p.LocalSSHUsername = def.LocalSSHUsername
	}
	if p.LocalSSHPassword == "" {
		p.LocalSSHPassword = def.LocalSSHPassword
	}
	if len(p.MountPaths) == 0 {
		p.MountPaths = def.MountPaths
	}
	return p, nil
}

// ConnectionIDFor derives the registry id of a connection.
func ConnectionIDFor(p ConnectionParams) ConnectionID {
	return ConnectionID(fmt.Sprintf("ssh_%s@%s:%d", p.Username, p.Host, p.Port))
}

// ConnectionInfo is a read-only view of a tunnel connection.
type ConnectionInfo struct {
	ID                ConnectionID `json:"id"`
	Host              string       `json:"host"`
	Port              int          `json:"port"`
	Username          string       `json:"username"`
	IsConnected       bool         `json:"is_connected"`
	IsCurrent         bool         `json:"is_current"`
	HasPortForwarding bool         `json:"has_port_forwarding"`
	HasReverseTunnel  bool         `json:"has_reverse_tunnel"`
	MountedPaths      []string     `json:"mounted_paths"`
	InUse             bool         `json:"in_use"`
}

// EmbeddedServerInfo describes the local SSH/SFTP server.
type EmbeddedServerInfo struct {
	Running  bool   `json:"running"`
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Root     string `json:"root"`
}
