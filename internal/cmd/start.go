package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var refreshInterval time.Duration

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a node and run it until it is interrupted",
	Args:  cobra.NoArgs,
	RunE:  startNode,
}

func init() {
	startCmd.Flags().DurationVar(&refreshInterval, "refresh", time.Minute*15, "how often the routing table is refreshed")
	rootCmd.AddCommand(startCmd)
}

func startNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.SetContext(ctx)

	d, err := node(cmd)
	if err != nil {
		return err
	}

	defer d.Close()

	c := d.Contact()

	logrus.WithFields(logrus.Fields{
		"id":      c.ID.String(),
		"address": c.Address,
	}).Info("Node running")

	select {
	case <-ctx.Done():
	case <-d.Done():
	}

	return nil
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout*2)
}
