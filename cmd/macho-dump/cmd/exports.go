package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(exportsCmd)

	exportsCmd.Flags().StringP("symbol", "s", "", "Only look up this symbol")
	bindFlags("exports", exportsCmd.Flags())
	exportsCmd.MarkZshCompPositionalArgumentFile(1)
}

// exportsCmd represents the exports command
var exportsCmd = &cobra.Command{
	Use:     "exports <macho>",
	Aliases: []string{"e"},
	Short:   "Print the export trie",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMachO(args[0])
		if err != nil {
			return err
		}
		defer m.Close()

		if sym := viper.GetString("exports.symbol"); sym != "" {
			addr, err := m.ExportAddress(sym)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"symbol":  sym,
				"address": fmt.Sprintf("%#x", addr),
			}).Info("Export")
			return nil
		}

		exports := m.Exports()
		header(fmt.Sprintf("Exports (%d)", len(exports)))
		for _, e := range exports {
			fmt.Println(e)
		}
		return nil
	},
}
