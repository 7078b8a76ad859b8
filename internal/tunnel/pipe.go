package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pkt.systems/pslog"
)

// pipeListener accepts connections on ln and splices each one to a target.
type pipeListener struct {
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type dialTarget func(ctx context.Context) (net.Conn, error)

func servePipes(ctx context.Context, ln net.Listener, limiter *rate.Limiter, dial dialTarget, log pslog.Logger) *pipeListener {
	ctx, cancel := context.WithCancel(ctx)
	p := &pipeListener{ln: ln, cancel: cancel}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.acceptLoop(ctx, limiter, dial, log)
	}()
	return p
}

func (p *pipeListener) acceptLoop(ctx context.Context, limiter *rate.Limiter, dial dialTarget, log pslog.Logger) {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				log.Warn("tunnel accept failed", "err", err)
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			_ = conn.Close()
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			target, err := dial(ctx)
			if err != nil {
				log.Warn("tunnel dial target failed", "err", err)
				_ = conn.Close()
				return
			}
			log.Debug("tunnel stream opened", "remote", conn.RemoteAddr().String())
			splice(ctx, conn, target)
			log.Debug("tunnel stream closed", "remote", conn.RemoteAddr().String())
		}()
	}
}

// Addr returns the listening address.
func (p *pipeListener) Addr() net.Addr {
	return p.ln.Addr()
}

// Close stops accepting, tears down open streams and waits for them.
func (p *pipeListener) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		err = p.ln.Close()
		p.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// splice copies in both directions until either side closes or ctx ends.
func splice(ctx context.Context, a, b net.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = a.Close()
		_ = b.Close()
	})
	defer stop()
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(a, b)
		closeWrite(a)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(b, a)
		closeWrite(b)
		return err
	})
	_ = g.Wait()
	_ = a.Close()
	_ = b.Close()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
