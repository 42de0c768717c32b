// Command tgps-resolve runs time-aware, root-pinned resolution for every
// node of a subgraph against one root version, writing a CSV summary and,
// optionally, per-node debug trees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// A batch resolution run over a large subgraph can take a long time;
	// honor SIGTERM the same as SIGINT so it can be stopped cleanly instead
	// of being killed mid-write.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	root := newRootCommand(l)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(l *logrus.Logger) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:           "tgps-resolve",
		Short:         "Time-aware, root-pinned dependency resolution over a preprocessed package graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				l.SetLevel(logrus.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and per-node dependency trees")

	cmd.AddCommand(newRunCommand(l, &debug))
	cmd.AddCommand(newNamesCommand(l))
	return cmd
}
