package sshserver

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"pkt.systems/ttyx/schema"
)

// Config defines the embedded SSH/SFTP server settings.
type Config struct {
	Addr        string
	HostKeyPath string
	Username    string
	Password    string
	// Root is the local directory served over SFTP as "/".
	Root string
}

// DefaultConfig returns loopback settings on the default tunnel port.
func DefaultConfig() Config {
	root, err := os.UserHomeDir()
	if err != nil || root == "" {
		root = os.TempDir()
	}
	return Config{
		Addr:     net.JoinHostPort("127.0.0.1", strconv.Itoa(schema.DefaultLocalSSHPort)),
		Username: schema.DefaultLocalSSHUsername,
		Password: schema.DefaultLocalSSHPassword,
		Root:     root,
	}
}

// merge returns base with every non-empty field of override applied.
func (c Config) merge(override Config) Config {
	if strings.TrimSpace(override.Addr) != "" {
		c.Addr = override.Addr
	}
	if strings.TrimSpace(override.HostKeyPath) != "" {
		c.HostKeyPath = override.HostKeyPath
	}
	if override.Username != "" {
		c.Username = override.Username
	}
	if override.Password != "" {
		c.Password = override.Password
	}
	if strings.TrimSpace(override.Root) != "" {
		c.Root = override.Root
	}
	return c
}

// sameListener reports whether a server running with c can serve other.
func (c Config) sameListener(other Config) bool {
	return c.Addr == other.Addr && c.Username == other.Username && c.Password == other.Password && c.Root == other.Root
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("embedded ssh server address is required")
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("embedded ssh server credentials are required")
	}
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("embedded ssh server root is required")
	}
	return nil
}

// LoopbackAddr is the address the server binds for a tunnel port.
func LoopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
