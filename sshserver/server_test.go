package sshserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

func startTestServer(t *testing.T, fs afero.Fs) *Server {
	t.Helper()
	srv := New(Config{Addr: "127.0.0.1:0", Username: "alice", Password: "secret", Root: "/srv"}, fs)
	if err := srv.Start(context.Background(), Config{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func dialTestServer(addr, user, password string) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func TestServerServesRootOverSFTP(t *testing.T) {
	fs := afero.NewMemMapFs()
	srv := startTestServer(t, fs)
	if err := afero.WriteFile(fs, "/srv/docs/readme.txt", []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	client, err := dialTestServer(srv.Addr(), "alice", "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	sc, err := sftp.NewClient(client)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	defer sc.Close()

	f, err := sc.Open("/docs/readme.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil || string(data) != "hello" {
		t.Fatalf("read: %q %v", data, err)
	}

	w, err := sc.Create("/docs/new.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := w.Write([]byte("written")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := afero.ReadFile(fs, "/srv/docs/new.txt")
	if err != nil || !bytes.Equal(got, []byte("written")) {
		t.Fatalf("expected write under root, got %q %v", got, err)
	}

	entries, err := sc.ReadDir("/docs")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}

	if err := sc.Mkdir("/music"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := sc.Rename("/docs/new.txt", "/music/new.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := fs.Stat("/srv/music/new.txt"); err != nil {
		t.Fatalf("expected renamed file: %v", err)
	}
	if _, err := sc.Stat("/missing"); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestServerRejectsWrongPassword(t *testing.T) {
	srv := startTestServer(t, afero.NewMemMapFs())
	if client, err := dialTestServer(srv.Addr(), "alice", "nope"); err == nil {
		_ = client.Close()
		t.Fatalf("expected authentication failure")
	}
	if client, err := dialTestServer(srv.Addr(), "bob", "secret"); err == nil {
		_ = client.Close()
		t.Fatalf("expected authentication failure for unknown user")
	}
}

func TestServerStartIsIdempotentAndStopReleases(t *testing.T) {
	srv := startTestServer(t, afero.NewMemMapFs())
	addr := srv.Addr()
	if err := srv.Start(context.Background(), Config{Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if srv.Addr() != addr {
		t.Fatalf("expected running server to keep %s, got %s", addr, srv.Addr())
	}
	info := srv.Info()
	if !info.Running || info.Username != "alice" || info.Root != "/srv" {
		t.Fatalf("unexpected info %+v", info)
	}
	if err := srv.Start(context.Background(), Config{Addr: "127.0.0.1:0", Password: "other"}); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch for new credentials, got %v", err)
	}
	if client, err := dialTestServer(addr, "alice", "secret"); err != nil {
		t.Fatalf("running server must keep its credentials: %v", err)
	} else {
		_ = client.Close()
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if srv.IsRunning() || srv.Addr() != "" || srv.Info().Running {
		t.Fatalf("expected stopped server")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := dialTestServer(addr, "alice", "secret"); err == nil {
		t.Fatalf("expected dial to fail after stop")
	}
}

func TestServerRefusesShell(t *testing.T) {
	srv := startTestServer(t, afero.NewMemMapFs())
	client, err := dialTestServer(srv.Addr(), "alice", "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	var exitErr *ssh.ExitError
	err = sess.Run("id")
	if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
}

func TestEnsureHostKeyPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	first, err := EnsureHostKey(fs, "/state/host_ed25519")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	info, err := fs.Stat("/state/host_ed25519")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 key, got %v", info.Mode().Perm())
	}
	second, err := EnsureHostKey(fs, "/state/host_ed25519")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Fatalf("expected the stored key to be reused")
	}
	ephemeral, err := EnsureHostKey(fs, "")
	if err != nil || ephemeral == nil {
		t.Fatalf("ephemeral key: %v", err)
	}
}
