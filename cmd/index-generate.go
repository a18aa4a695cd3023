package cmd

import (
	"os"
	"path/filepath"

	"github.com/csweichel/rangefs/pkg/tarindex"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// indexGenerateCmd represents the indexGenerate command
var indexGenerateCmd = &cobra.Command{
	Use:   "generate <dst> <src.tar>",
	Short: "Generate an index of the members of an uncompressed tar file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		archive, err := filepath.Abs(args[1])
		if err != nil {
			log.WithError(err).Fatal("cannot resolve source file")
		}
		in, err := os.Open(archive)
		if err != nil {
			log.WithError(err).Fatal("cannot open source file")
		}
		defer in.Close()

		db, err := tarindex.Open(args[0], false)
		if err != nil {
			log.WithError(err).Fatal("cannot open database")
		}
		defer db.Close()

		err = tarindex.Generate(db, archive, in)
		if err != nil {
			log.WithError(err).Fatal("cannot produce index")
		}
	},
}

func init() {
	indexCmd.AddCommand(indexGenerateCmd)
}
