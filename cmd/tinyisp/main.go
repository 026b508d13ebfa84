// tinyisp runs a tinySSB node that can act as a client or as a provider of
// the subscription overlay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/cmd"
	"github.com/jannickheisch/tinyISP/config"
	"github.com/jannickheisch/tinyISP/events"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/node"
)

var (
	version string
	commit  string
	branch  string
)

var rootCmd = &cobra.Command{
	Use:          "tinyisp",
	Short:        "tinySSB node with the subscription overlay",
	SilenceUsage: true,
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "start a node with a console on stdin",
	RunE: func(c *cobra.Command, _ []string) error {
		conf, err := cmd.LoadConfig(c)
		if err != nil {
			return log.ErrMalformedConfig(err)
		}
		logger, err := conf.LOGGING.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		defer logger.Sync()
		return run(c.Context(), conf, logger)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(*cobra.Command, []string) {
		fmt.Print(cmd.Version)
		if cmd.Commit != "" {
			fmt.Printf("+%s", cmd.Commit)
		}
		fmt.Println()
	},
}

func init() {
	cmd.AddCommands(rootCmd)
	rootCmd.AddCommand(nodeCmd, versionCmd)
}

func run(ctx context.Context, conf *config.Config, logger *zap.Logger) error {
	app := config.Named(logger, "app", conf.LOGGING.AppLoggerLevel)
	n, err := node.New(*conf, node.WithLogger(logger))
	switch {
	case errors.Is(err, node.ErrAlreadyRunning):
		return fatal(app, log.ErrLockDataDir(conf.DataDir, err))
	case err != nil:
		return fatal(app, log.ErrEnsureDataDir(conf.DataDir, err))
	}
	defer func() {
		if err := n.Stop(); err != nil {
			app.Warn("node stopped with error", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	app.Info("node running",
		zap.Stringer("identity", n.Identity()),
		zap.Bool("provider", conf.ISP.Provider),
		zap.String("preset", conf.Preset),
	)

	sub := n.Events(256)
	defer sub.Close()
	go printEvents(ctx, sub)

	con := &console{node: n, out: os.Stdout}
	go func() {
		if err := con.run(ctx, os.Stdin); err != nil {
			app.Warn("console closed", zap.Error(err))
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- n.Wait() }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func fatal(logger *zap.Logger, fe *log.FatalError) error {
	logger.Error("failed to open node", fe.Field())
	return fe
}

func printEvents(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Out():
			if !ok {
				return
			}
			if _, progress := ev.(events.Progress); progress {
				continue
			}
			fmt.Printf("* %s\n", ev)
		}
	}
}

func main() {
	if version != "" {
		cmd.Version = version
	}
	cmd.Commit = commit
	cmd.Branch = branch
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
