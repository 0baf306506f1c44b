package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"hanwrite/api/internal/config"
)

var (
	verbose bool
)

// rootCmd serves the API when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "hanwrite-api",
	Short: "Collaborative Hanzi document editor backend",
	Long: `hanwrite-api keeps documents in memory while people edit them together,
merges concurrent changes and persists them to the configured store.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		flags := log.LstdFlags | log.Lmicroseconds
		if verbose {
			flags |= log.Lshortfile
		}
		log.SetFlags(flags)
	},
	RunE:         runServe,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatal("invalid configuration", err)
	}
	return cfg
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log source file and line")
}
