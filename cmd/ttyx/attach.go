package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/httpapi"
	"pkt.systems/ttyx/schema"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func newAttachCmd(flags *globalFlags) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach the terminal to a session (detach with Ctrl-])",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveBaseURL(flags)
			if err != nil {
				return err
			}
			target, err := attachURL(base, schema.SessionID(sessionID))
			if err != nil {
				return err
			}
			return runAttach(cmd.Context(), target, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to attach (default current)")
	return cmd
}

// attachURL converts the API base URL into the websocket attach endpoint.
func attachURL(base string, id schema.SessionID) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path += "/api/attach"
	if id != "" {
		q := u.Query()
		q.Set("session_id", string(id))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func runAttach(ctx context.Context, target string, in *os.File, out io.Writer) error {
	log := pslog.Ctx(ctx)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("attach: %s", resp.Status)
		}
		return err
	}
	defer conn.Close()

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer func() { _ = term.Restore(fd, state) }()
	}

	writeErr := make(chan error, 1)
	send := make(chan attachFrame, 16)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-send:
				if err := conn.WriteMessage(frame.kind, frame.data); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	sendResize := func() {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			return
		}
		msg, _ := json.Marshal(httpapi.AttachControl{Type: httpapi.AttachResize, Rows: rows, Cols: cols})
		select {
		case send <- attachFrame{kind: websocket.TextMessage, data: msg}:
		default:
		}
	}
	sendResize()
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				sendResize()
			}
		}
	}()

	detached := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if err != nil {
				cancel()
				return
			}
			chunk := buf[:n]
			if i := indexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					send <- inputFrame(chunk[:i])
				}
				close(detached)
				cancel()
				return
			}
			select {
			case send <- inputFrame(chunk):
			case <-ctx.Done():
				return
			}
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if _, err := out.Write(data); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-detached:
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detach"), time.Now().Add(time.Second))
		log.Debug("attach detached")
		return nil
	case <-ctx.Done():
		return nil
	case err := <-writeErr:
		return err
	case err := <-readErr:
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			switch closeErr.Code {
			case websocket.CloseNormalClosure:
				_, _ = fmt.Fprintf(out, "\r\n[ttyx: %s]\r\n", closeErr.Text)
				return nil
			case websocket.CloseTryAgainLater:
				_, _ = fmt.Fprintf(out, "\r\n[ttyx: %s]\r\n", closeErr.Text)
				return fmt.Errorf("attach: %s", closeErr.Text)
			}
		}
		return err
	}
}

type attachFrame struct {
	kind int
	data []byte
}

func inputFrame(b []byte) attachFrame {
	return attachFrame{kind: websocket.BinaryMessage, data: append([]byte(nil), b...)}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
