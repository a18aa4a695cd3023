/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"os"

	"github.com/csweichel/rangefs/pkg/tarindex"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// indexDumpCmd represents the indexDump command
var indexDumpCmd = &cobra.Command{
	Use:   "dump <index>",
	Short: "Dumps an entire index as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := tarindex.Open(args[0], true)
		if err != nil {
			log.WithError(err).Fatal("cannot open index")
		}
		defer db.Close()

		archive, members, err := tarindex.Load(db)
		if err != nil {
			log.WithError(err).Fatal("cannot load index")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(struct {
			Archive string            `json:"archive"`
			Members []tarindex.Member `json:"members"`
		}{archive, members})
	},
}

func init() {
	indexCmd.AddCommand(indexDumpCmd)
}
