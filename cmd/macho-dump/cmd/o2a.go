package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(o2aCmd)

	o2aCmd.Flags().BoolP("dec", "d", false, "Return address in decimal")
	o2aCmd.Flags().BoolP("hex", "x", false, "Return address in hexadecimal")
	bindFlags("o2a", o2aCmd.Flags())
	o2aCmd.MarkZshCompPositionalArgumentFile(1)
}

// o2aCmd represents the o2a command
var o2aCmd = &cobra.Command{
	Use:     "o2a <macho> <offset>",
	Aliases: []string{"o"},
	Short:   "Convert MachO offset to address",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inDec := viper.GetBool("o2a.dec")
		inHex := viper.GetBool("o2a.hex")
		if inDec && inHex {
			return fmt.Errorf("you can only use --dec OR --hex")
		}

		off, err := parseAddr(args[1])
		if err != nil {
			return err
		}

		m, err := openMachO(args[0])
		if err != nil {
			return err
		}
		defer m.Close()

		addr, err := m.GetVMAddress(off)
		if err != nil {
			return err
		}

		switch {
		case inDec:
			fmt.Printf("%d\n", addr)
		case inHex:
			fmt.Printf("%#x\n", addr)
		default:
			fields := log.Fields{
				"hex": fmt.Sprintf("%#x", addr),
				"dec": fmt.Sprintf("%d", addr),
			}
			if seg := m.FindSegmentForVMAddr(addr); seg != nil {
				fields["segment"] = seg.Name
			}
			if sec := m.FindSectionForVMAddr(addr); sec != nil {
				fields["section"] = sec.Name
			}
			log.WithFields(fields).Info("Address")
		}
		return nil
	},
}
