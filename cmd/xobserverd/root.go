package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/daemon"
	"github.com/GPTx-global/xobserver/observer/types"
)

const (
	flagHome      = "home"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagServe     = "serve"
)

var DefaultHome = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xobserver"
	}
	return filepath.Join(home, ".xobserver")
}()

// daemonOptions is replaced by tests to avoid dialing real nodes.
var daemonOptions = func(serve bool) daemon.Options {
	return daemon.Options{Serve: serve}
}

func NewRootCmd() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:           "xobserverd",
		Short:         "Submit cross-chain operations and observe them to a final status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagHome, DefaultHome, "directory holding config.toml")
	root.PersistentFlags().String(flagLogLevel, "", "log level (debug, info, error)")
	root.PersistentFlags().String(flagLogFormat, "", "log format (plain, json)")
	_ = v.BindPFlag(config.KeyLogLevel, root.PersistentFlags().Lookup(flagLogLevel))
	_ = v.BindPFlag(config.KeyLogFormat, root.PersistentFlags().Lookup(flagLogFormat))

	root.AddCommand(
		NewInitCmd(),
		NewProbeCmd(v),
		NewSendCmd(v),
		NewAwaitCmd(v),
		NewMatrixCmd(v),
		NewAllowanceCmd(v),
	)

	return root
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	home, err := cmd.Flags().GetString(flagHome)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(v); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startDaemon loads configuration and wires every component. The caller
// must Stop the daemon.
func startDaemon(cmd *cobra.Command, v *viper.Viper, serve bool) (*daemon.Daemon, error) {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return nil, err
	}

	d, err := daemon.New(cmd.Context(), cfg, daemonOptions(serve))
	if err != nil {
		return nil, err
	}
	d.Start(cmd.Context())
	return d, nil
}

// report prints one line per verdict and fails when any verdict failed.
func report(out io.Writer, verdicts []types.Verdict) error {
	failed := 0
	for _, v := range verdicts {
		fmt.Fprintln(out, v.String())
		if !v.Succeeded() {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d observations failed", failed, len(verdicts))
	}
	return nil
}
