package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/httpapi"
	"pkt.systems/ttyx/schema"
)

func newSendCmd(flags *globalFlags) *cobra.Command {
	var sessionID string
	var timeout time.Duration
	var noWait bool
	cmd := &cobra.Command{
		Use:   "send [flags] -- command...",
		Short: "Queue a command on a session and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			req := schema.SendCommandRequest{
				SessionID: schema.SessionID(sessionID),
				Command:   strings.Join(args, " "),
			}
			if noWait {
				resp, err := client.SendCommand(ctx, req)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.CommandID)
				return err
			}
			code, err := sendAndWait(ctx, client, req, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if code != 0 {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "target session (default current)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the command id and return without waiting")
	return cmd
}

// sendAndWait subscribes to the event stream, sends the command and copies
// its output chunks to w until the completion event arrives.
func sendAndWait(ctx context.Context, client *apiClient, req schema.SendCommandRequest, w io.Writer) (int, error) {
	log := pslog.Ctx(ctx)
	stream, err := client.Stream(ctx, req.SessionID)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	resp, err := client.SendCommand(ctx, req)
	if err != nil {
		return 0, err
	}
	log.Debug("send queued", "command", resp.CommandID, "session", resp.SessionID, "queued", resp.Queued, "raw", resp.Raw)
	if resp.Raw {
		return 0, nil
	}
	for {
		event, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return 0, errors.New("event stream closed before the command completed")
			}
			return 0, err
		}
		if event.Type == httpapi.StreamGap {
			code, done, err := completedExitCode(ctx, client, resp.SessionID, resp.CommandID)
			if err != nil {
				return 0, err
			}
			log.Warn("send event stream gap", "command", resp.CommandID, "completed", done)
			if done {
				return code, nil
			}
			continue
		}
		if event.Type != httpapi.StreamCommand || event.Command == nil || event.Command.CommandID != resp.CommandID {
			if event.Type == httpapi.StreamSession && event.Session != nil && event.Session.Type == schema.SessionEventClosed && event.Session.Session.ID == resp.SessionID {
				return 0, schema.ErrSessionClosed
			}
			continue
		}
		// The completion event repeats the whole output; lines were already streamed.
		if event.Command.IsCompleted {
			return event.Command.ExitCode, nil
		}
		if _, err := io.WriteString(w, event.Command.OutputChunk+"\n"); err != nil {
			return 0, err
		}
	}
}
// completedExitCode looks the command up in the session history after the
// event stream lost events.
func completedExitCode(ctx context.Context, client *apiClient, sessionID schema.SessionID, commandID schema.CommandID) (int, bool, error) {
	list, err := client.ListSessions(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, session := range list.Sessions {
		if session.ID != sessionID {
			continue
		}
		for _, item := range session.History {
			if item.ID == commandID && !item.IsExecuting {
				return item.ExitCode, true, nil
			}
		}
	}
	return 0, false, nil
}
