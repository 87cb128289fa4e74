package cmd

import (
	"fmt"
	"time"

	dht "github.com/purehyperbole/ledgerdht"
	"github.com/spf13/cobra"
)

var ttl time.Duration

var pingCmd = &cobra.Command{
	Use:   "ping [address]",
	Short: "Check that a node is alive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := node(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := withTimeout(cmd)
		defer cancel()

		c, err := d.Ping(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", c.ID, c.Address)

		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "Store a value on the network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := node(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := withTimeout(cmd)
		defer cancel()

		return d.Store(ctx, dht.HashKey([]byte(args[0])), []byte(args[1]), ttl)
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Find a value on the network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := node(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := withTimeout(cmd)
		defer cancel()

		value, err := d.Find(ctx, dht.HashKey([]byte(args[0])))
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(value))

		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [address]",
	Short: "Stop a node running on this machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap = nil

		d, err := node(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		return d.Kill(args[0])
	},
}

func init() {
	putCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long the value is stored for")

	rootCmd.AddCommand(pingCmd, putCmd, getCmd, killCmd)
}
