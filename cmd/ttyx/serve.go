package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/pslog"
	"pkt.systems/ttyx"
	"pkt.systems/ttyx/httpapi"
	"pkt.systems/ttyx/internal/appconfig"
	"pkt.systems/ttyx/internal/localterm"
	"pkt.systems/ttyx/internal/sshterm"
	"pkt.systems/ttyx/sshserver"
)

const stopTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var disableAuditTrails bool
	var addr string
	var embedded bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ttyx engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(flags.configPath)
			if err != nil {
				return err
			}
			if disableAuditTrails {
				cfg.Logging.DisableAuditTrails = true
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if embedded {
				cfg.EmbeddedServer.Enabled = true
			}

			hostKeys, err := hostKeyCallback(cfg.SSH.KnownHostsPath)
			if err != nil {
				return err
			}
			opts := []ttyx.ServerOption{ttyx.WithHTTP()}
			if cfg.EmbeddedServer.Enabled {
				opts = append(opts, ttyx.WithEmbeddedServer())
			}
			var reg *prometheus.Registry
			if cfg.HTTP.Metrics {
				reg = prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				opts = append(opts, ttyx.WithMetrics())
			}

			server, err := ttyx.New(toServerConfig(cfg), ttyx.ServerDeps{
				Logger:          logger,
				Registry:        reg,
				HostKeyCallback: hostKeys,
			}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := server.Start(ctx); err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("ttyx serving", "http", server.HTTPAddr(), "ssh_sessions", cfg.SSHEnabled(), "embedded_ssh", cfg.EmbeddedServer.Enabled)
			return server.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	cmd.Flags().BoolVar(&embedded, "embedded-ssh", false, "start the embedded SSH/SFTP server at startup")
	cmd.Flags().BoolVar(&disableAuditTrails, "disable-audit-trails", false, "disable audit trail logging for commands")
	return cmd
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return nil, nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("ssh.known_hosts_path: %w", err)
	}
	return cb, nil
}

func toServerConfig(cfg appconfig.Config) ttyx.ServerConfig {
	out := ttyx.ServerConfig{
		Engine: cfg.EngineSettings(),
		Local: localterm.Config{
			Shell:        cfg.Local.Shell,
			WorkingDir:   cfg.Local.WorkingDir,
			StateDir:     cfg.StateDir,
			Env:          cfg.Local.Env,
			SourceUserRC: cfg.Local.SourceUserRC,
			Rows:         cfg.Engine.Rows,
			Cols:         cfg.Engine.Cols,
		},
		Embedded: sshserver.Config{
			Addr:        cfg.EmbeddedServer.Addr,
			HostKeyPath: cfg.EmbeddedServer.HostKeyPath,
			Username:    cfg.EmbeddedServer.Username,
			Password:    cfg.EmbeddedServer.Password,
			Root:        cfg.EmbeddedServer.Root,
		},
		HTTP: httpapi.Config{
			Addr:            cfg.HTTP.Addr,
			BasePath:        cfg.HTTP.BasePath,
			HistorySize:     cfg.HTTP.HistorySize,
			ScrollbackLines: cfg.HTTP.ScrollbackLines,
			AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		},
		AcceptRate: cfg.SSH.AcceptRate,
	}
	if cfg.SSHEnabled() {
		out.SSH = sshterm.Config{
			Params:       cfg.SSH.Connection,
			RCDir:        cfg.SSH.RCDir,
			Env:          cfg.SSH.Env,
			SourceUserRC: cfg.SSH.SourceUserRC,
			Rows:         cfg.Engine.Rows,
			Cols:         cfg.Engine.Cols,
		}
	}
	return out
}
