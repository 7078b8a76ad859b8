package tunnel

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"pkt.systems/ttyx/internal/sshagent"
	"pkt.systems/ttyx/schema"
)

// DialFunc opens an SSH client connection to addr.
type DialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

// DialSSH dials TCP and runs the SSH handshake, aborting when ctx ends.
func DialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		if r := <-done; r.client != nil {
			_ = r.client.Close()
		}
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			_ = conn.Close()
			return nil, r.err
		}
		_ = conn.SetDeadline(time.Time{})
		return r.client, nil
	}
}

// isAuthFailure reports whether a handshake error means the credentials were rejected.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var pme *ssh.PassphraseMissingError
	if errors.As(err, &pme) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// credentials holds the auth methods for a connection and the agent, if any,
// to forward to the remote host.
type credentials struct {
	methods []ssh.AuthMethod
	forward agent.Agent
	agent   *sshagent.Client
}

func (c credentials) close() {
	if c.agent != nil {
		_ = c.agent.Close()
	}
}

func loadCredentials(ctx context.Context, fs afero.Fs, p schema.ConnectionParams) (credentials, error) {
	var creds credentials
	switch p.AuthType {
	case schema.AuthPassword:
		password := p.Password
		creds.methods = []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}
	case schema.AuthPublicKey:
		data, err := afero.ReadFile(fs, p.KeyPath)
		if err != nil {
			return credentials{}, err
		}
		var raw any
		if p.KeyPassphrase != "" {
			raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, []byte(p.KeyPassphrase))
		} else {
			raw, err = ssh.ParseRawPrivateKey(data)
		}
		if err != nil {
			return credentials{}, err
		}
		signer, err := ssh.NewSignerFromKey(raw)
		if err != nil {
			return credentials{}, err
		}
		creds.methods = []ssh.AuthMethod{ssh.PublicKeys(signer)}
		if p.ForwardAgent {
			keyring, err := sshagent.NewKeyring(raw, p.Username+"@"+p.Host)
			if err != nil {
				return credentials{}, err
			}
			creds.forward = keyring
		}
	case schema.AuthAgent:
		client, err := sshagent.Dial(ctx, p.AgentSocket)
		if err != nil {
			return credentials{}, err
		}
		creds.agent = client
		creds.methods = []ssh.AuthMethod{client.AuthMethod()}
		if p.ForwardAgent {
			creds.forward = client.Agent()
		}
	default:
		return credentials{}, schema.ErrInvalidConnectionParams
	}
	if p.ForwardAgent && creds.forward == nil {
		if client, err := sshagent.Dial(ctx, p.AgentSocket); err == nil {
			creds.agent = client
			creds.forward = client.Agent()
		}
	}
	return creds, nil
}
