package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(a2oCmd)

	a2oCmd.Flags().BoolP("dec", "d", false, "Return address in decimal")
	a2oCmd.Flags().BoolP("hex", "x", false, "Return address in hexadecimal")
	bindFlags("a2o", a2oCmd.Flags())
	a2oCmd.MarkZshCompPositionalArgumentFile(1)
}

// a2oCmd represents the a2o command
var a2oCmd = &cobra.Command{
	Use:     "a2o <macho> <vaddr>",
	Aliases: []string{"a"},
	Short:   "Convert MachO address to offset",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inDec := viper.GetBool("a2o.dec")
		inHex := viper.GetBool("a2o.hex")
		if inDec && inHex {
			return fmt.Errorf("you can only use --dec OR --hex")
		}

		addr, err := parseAddr(args[1])
		if err != nil {
			return err
		}

		m, err := openMachO(args[0])
		if err != nil {
			return err
		}
		defer m.Close()

		off, err := m.GetOffset(addr)
		if err != nil {
			return err
		}

		switch {
		case inDec:
			fmt.Printf("%d\n", off)
		case inHex:
			fmt.Printf("%#x\n", off)
		default:
			seg := m.FindSegmentForVMAddr(addr)
			if seg == nil {
				return errors.Errorf("failed to find a segment containing address %#x", addr)
			}
			fields := log.Fields{
				"hex":     fmt.Sprintf("%#x", off),
				"dec":     fmt.Sprintf("%d", off),
				"segment": seg.Name,
			}
			if sec := m.FindSectionForVMAddr(addr); sec != nil {
				fields["section"] = sec.Name
			}
			log.WithFields(fields).Info("Offset")
		}
		return nil
	},
}
