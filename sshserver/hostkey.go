package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// EnsureHostKey ensures the SSH host key exists at path and returns the signer.
// An empty path yields an ephemeral key that is never written.
func EnsureHostKey(fs afero.Fs, path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate host key: %w", err)
		}
		return ssh.NewSignerFromKey(priv)
	}
	if _, err := fs.Stat(path); err == nil {
		return loadHostKey(fs, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat host key: %w", err)
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key dir: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "ttyx")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}

	file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	if err := pem.Encode(file, block); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close host key: %w", err)
	}

	return ssh.NewSignerFromKey(priv)
}

func loadHostKey(fs afero.Fs, path string) (ssh.Signer, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return signer, nil
}
