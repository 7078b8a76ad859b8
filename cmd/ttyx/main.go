package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			return exit.code
		}
		pslog.Ctx(ctx).With("err", err).Error("ttyx command failed")
		return 1
	}
	return 0
}

// globalFlags are shared by every client command.
type globalFlags struct {
	configPath string
	url        string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "ttyx",
		Short:         "Terminal session engine with local and SSH shells, tunnels and an HTTP API",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&flags.url, "url", "", "ttyx server URL (default from $TTYX_URL or the config http section)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newAttachCmd(flags))
	root.AddCommand(newSendCmd(flags))
	root.AddCommand(newSessionsCmd(flags))
	root.AddCommand(newTunnelCmd(flags))
	root.AddCommand(newVersionCmd())

	return root
}

// exitCodeError ends the process with code without logging.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}
