package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/ttyx/schema"
)

func newTunnelCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tunnel",
		Aliases: []string{"tunnels"},
		Short:   "Manage SSH connections, tunnels and storage mounts",
	}
	cmd.AddCommand(newTunnelConnectCmd(flags))
	cmd.AddCommand(newTunnelListCmd(flags))
	cmd.AddCommand(newTunnelMountCmd(flags))
	cmd.AddCommand(newTunnelDisconnectCmd(flags))
	cmd.AddCommand(newTunnelSwitchCmd(flags))
	return cmd
}

func newTunnelConnectCmd(flags *globalFlags) *cobra.Command {
	params := schema.DefaultConnectionParams()
	var auth string
	cmd := &cobra.Command{
		Use:   "connect user@host",
		Short: "Open an SSH connection with optional forward and reverse tunnels",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				user, host, ok := strings.Cut(args[0], "@")
				if !ok {
					host, user = user, ""
				}
				if host != "" {
					params.Host = host
				}
				if user != "" {
					params.Username = user
				}
			}
			params.AuthType = schema.AuthType(auth)
			if _, err := schema.NormalizeConnectionParams(params); err != nil {
				return err
			}
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			id, err := client.Connect(cmd.Context(), params)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&params.Host, "host", "", "remote host")
	f.StringVarP(&params.Username, "user", "u", "", "remote username")
	f.IntVarP(&params.Port, "port", "p", params.Port, "remote SSH port")
	f.StringVar(&auth, "auth", "", "auth type: password, public_key or agent (default from --key)")
	f.StringVar(&params.Password, "password", "", "password for password auth")
	f.StringVarP(&params.KeyPath, "key", "i", "", "private key file for public_key auth")
	f.StringVar(&params.KeyPassphrase, "key-passphrase", "", "passphrase for the private key")
	f.BoolVar(&params.ForwardAgent, "forward-agent", false, "forward the local ssh-agent")
	f.BoolVar(&params.EnablePortForwarding, "forward", false, "forward a local port to the remote host")
	f.IntVar(&params.LocalForwardPort, "local-forward-port", params.LocalForwardPort, "local port for --forward")
	f.IntVar(&params.RemoteForwardPort, "remote-forward-port", params.RemoteForwardPort, "remote port for --forward")
	f.BoolVar(&params.EnableReverseTunnel, "reverse", false, "expose the embedded SSH server on the remote host")
	f.IntVar(&params.RemoteTunnelPort, "remote-tunnel-port", params.RemoteTunnelPort, "remote listen port for --reverse")
	f.IntVar(&params.LocalSSHPort, "local-ssh-port", params.LocalSSHPort, "embedded SSH server port for --reverse")
	f.StringSliceVar(&params.MountPaths, "mount", params.MountPaths, "remote directories to mount over the reverse tunnel")
	return cmd
}

func newTunnelListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List SSH connections",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			list, err := client.ListConnections(cmd.Context())
			if err != nil {
				return err
			}
			return printConnections(cmd.OutOrStdout(), list)
		},
	}
}

func printConnections(w io.Writer, list connectionList) error {
	for _, c := range list.Connections {
		marker := " "
		if c.IsCurrent || c.ID == list.Current {
			marker = "*"
		}
		state := "down"
		if c.IsConnected {
			state = "up"
		}
		var extras []string
		if c.HasPortForwarding {
			extras = append(extras, "forward")
		}
		if c.HasReverseTunnel {
			extras = append(extras, "reverse")
		}
		if c.InUse {
			extras = append(extras, "terminals")
		}
		extras = append(extras, c.MountedPaths...)
		if _, err := fmt.Fprintf(w, "%s %-40s %-4s %s\n", marker, c.ID, state, strings.Join(extras, ",")); err != nil {
			return err
		}
	}
	return nil
}

func newTunnelMountCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mount [connection-id]",
		Short: "Mount local storage on the remote host over the reverse tunnel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			res, err := client.Mount(cmd.Context(), schema.ConnectionID(firstArg(args)))
			if err != nil {
				return err
			}
			for _, p := range res.MountedPaths {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newTunnelDisconnectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [connection-id]",
		Short: "Close a connection (default current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			return client.Disconnect(cmd.Context(), schema.ConnectionID(firstArg(args)))
		},
	}
}

func newTunnelSwitchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "switch connection-id",
		Short: "Make a connection current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			return client.SwitchConnection(cmd.Context(), schema.ConnectionID(args[0]))
		},
	}
}
