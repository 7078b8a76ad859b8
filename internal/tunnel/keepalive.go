package tunnel

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
)

const keepAliveRequest = "keepalive@openssh.com"

// keepAlive pings the server every interval and closes the client after
// maxMisses consecutive unanswered pings.
func keepAlive(ctx context.Context, client *ssh.Client, interval time.Duration, maxMisses int, log pslog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ping(ctx, client, interval) {
			misses = 0
			continue
		}
		misses++
		log.Debug("tunnel keepalive missed", "misses", misses)
		if misses >= maxMisses {
			log.Warn("tunnel keepalive failed", "misses", misses)
			_ = client.Close()
			return
		}
	}
}

func ping(ctx context.Context, client *ssh.Client, timeout time.Duration) bool {
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(keepAliveRequest, true, nil)
		done <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err == nil
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}
