package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"pkt.systems/ttyx/internal/shellinit"
	"pkt.systems/ttyx/schema"
)

const (
	mountSuccessPrefix   = "MOUNT_SUCCESS:"
	unmountSuccessPrefix = "UNMOUNT_SUCCESS:"
	sshfsMissingMessage  = "sshfs not installed"
)

// mountScript mounts the embedded server's root at every mount path over the
// reverse tunnel. Paths that are already mountpoints are reported as mounted.
func mountScript(p schema.ConnectionParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "command -v sshfs >/dev/null 2>&1 || { echo %s; exit 1; }\n", shellinit.Quote(sshfsMissingMessage))
	quoted := make([]string, 0, len(p.MountPaths))
	for _, path := range p.MountPaths {
		quoted = append(quoted, shellinit.QuotePath(path))
	}
	fmt.Fprintf(&b, "mkdir -p %s\n", strings.Join(quoted, " "))
	source := shellinit.Quote(p.LocalSSHUsername + "@localhost:/")
	port := strconv.Itoa(p.RemoteTunnelPort)
	for i, path := range p.MountPaths {
		target := quoted[i]
		marker := shellinit.Quote(mountSuccessPrefix + path)
		fmt.Fprintf(&b, "if mountpoint -q %s; then echo %s; ", target, marker)
		fmt.Fprintf(&b, "elif printf '%%s\\n' %s | sshfs -p %s %s %s", shellinit.Quote(p.LocalSSHPassword), port, source, target)
		b.WriteString(" -o password_stdin -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null")
		b.WriteString(" -o reconnect -o ServerAliveInterval=15 -o ServerAliveCountMax=3")
		fmt.Fprintf(&b, "; then echo %s; fi\n", marker)
	}
	return b.String()
}

// unmountScript detaches every path that is still a mountpoint.
func unmountScript(paths []string) string {
	var b strings.Builder
	for _, path := range paths {
		target := shellinit.QuotePath(path)
		fmt.Fprintf(&b, "if mountpoint -q %s; then fusermount -u %s 2>/dev/null || umount %s 2>/dev/null || true; echo %s; fi\n",
			target, target, target, shellinit.Quote(unmountSuccessPrefix+path))
	}
	return b.String()
}

// parseMarkers returns the paths reported on lines starting with prefix.
func parseMarkers(output, prefix string) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		path, ok := strings.CutPrefix(line, prefix)
		if !ok || path == "" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	return paths
}

func containsLine(output, want string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

// runRemote executes script on a fresh session and returns combined output.
func runRemote(ctx context.Context, client *ssh.Client, script string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()
	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out
	if err := sess.Start(script); err != nil {
		return "", err
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return out.String(), err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return out.String(), ctx.Err()
	}
}
