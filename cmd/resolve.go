package cmd

import (
	"encoding/json"
	"os"

	"github.com/csweichel/rangefs/pkg/rangefs"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var resolveOpts rangeFlags

type resolvedEntry struct {
	*rangefs.Entry
	Size        uint64 `json:"size"`
	HumanSize   string `json:"humanSize"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Prints the files a mount would expose as JSON, without mounting",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flags, err := resolveOpts.parse()
		if err != nil {
			log.WithError(err).Fatal("invalid options")
		}
		cfg, err := flags.Build()
		if err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		table, err := rangefs.Build(cfg.Ranges, cfg.Options)
		if err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}
		defer table.Close()

		res := make([]resolvedEntry, 0, len(table.Entries()))
		for _, e := range table.Entries() {
			res = append(res, resolvedEntry{
				Entry:       e,
				Size:        e.Size(),
				HumanSize:   humanize.IBytes(e.Size()),
				Placeholder: e.Placeholder(),
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveOpts.register(resolveCmd)
}
