/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootOpts struct {
	Verbose bool
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rangefs",
	Short: "Mount byte ranges of files as standalone read-only files",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log.WarnLevel
		if env := os.Getenv("RANGEFS_LOG"); env != "" {
			lvl, err := log.ParseLevel(env)
			if err != nil {
				log.WithField("RANGEFS_LOG", env).Warn("unknown log level")
			} else {
				level = lvl
			}
		}
		if rootOpts.Verbose {
			level = log.DebugLevel
		}
		log.SetLevel(level)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootOpts.Verbose, "verbose", "v", false, "enable verbose logging")
}
