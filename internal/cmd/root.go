package cmd

import (
	"time"

	dht "github.com/purehyperbole/ledgerdht"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	listenAddress string
	advertise     string
	bootstrap     []string
	timeout       time.Duration
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "dhtnode",
	Short: "A kademlia dht node for the ledger network",
	Long: `A kademlia dht node that routes and stores values for the ledger network.
	To start a node, run the following command:
	$ dhtnode start --listen 127.0.0.1:1432`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}

		logrus.SetLevel(level)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&listenAddress, "listen", "l", "127.0.0.1:0", "udp address to listen on")
	rootCmd.PersistentFlags().StringVarP(&advertise, "advertise", "a", "", "udp address advertised to other nodes, required when listening on all interfaces")
	rootCmd.PersistentFlags().StringSliceVarP(&bootstrap, "bootstrap", "b", nil, "udp addresses of the nodes to join the network through")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", dht.DefaultTimeout, "time to wait for a response")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("Command failed")
	}
}

// node creates and starts a dht node from the command line flags
func node(cmd *cobra.Command) (*dht.DHT, error) {
	d, err := dht.New(&dht.Config{
		ListenAddress:      listenAddress,
		AdvertiseAddress:   advertise,
		BootstrapAddresses: bootstrap,
		Timeout:            timeout,
		RefreshInterval:    refreshInterval,
	})

	if err != nil {
		return nil, err
	}

	err = d.Start(cmd.Context())
	if err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}
