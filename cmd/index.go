package cmd

import (
	"github.com/spf13/cobra"
)

// indexCmd represents the index command
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage tar member indexes",
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
