package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/config"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar message broker",
		Long:  "Run the Quasar in-memory message broker with durable redelivery via the daemon command",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Path to config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
