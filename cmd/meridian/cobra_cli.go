package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	flagDebug      bool
	flagConfigPath string
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meridian",
		Short: "meridian — distributed real-time game server platform",
		Long: `meridian runs either half of the platform from one binary:

  meridian control-plane serve   cluster control plane (registry, scheduler, match router, autoscaler, proxy)
  meridian node serve             an engine node reachable directly by the control plane's proxy
  meridian node agent             an engine node reachable only through the relay tunnel (NAT-safe)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", filepath.Join(getConfigDir(), "config.yaml"), "path to a YAML config file")

	root.AddCommand(
		newControlPlaneCmd(),
		newNodeCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func newControlPlaneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control-plane",
		Short: "cluster control plane commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run the control plane (registry, scheduler, match router, autoscaler, proxy, HTTP API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControlPlaneServe(flagConfigPath, newLogger())
		},
	})
	return cmd
}

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "engine node commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run an engine node with a directly reachable HTTP API, registering with the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeServe(flagConfigPath, newLogger())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "agent",
		Short: "run an engine node reachable only through the control plane's relay tunnel (NAT-safe)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeAgent(flagConfigPath, newLogger())
		},
	})
	return cmd
}
