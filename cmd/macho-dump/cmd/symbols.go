package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(symbolsCmd)

	symbolsCmd.Flags().StringP("addr", "a", "", "Only print symbols at this address")
	symbolsCmd.Flags().BoolP("dynamic", "d", false, "Group symbols by the dynamic symbol table")
	symbolsCmd.Flags().BoolP("indirect", "i", false, "Print the indirect symbol table")
	bindFlags("symbols", symbolsCmd.Flags())
	symbolsCmd.MarkZshCompPositionalArgumentFile(1)
}

// symbolsCmd represents the symbols command
var symbolsCmd = &cobra.Command{
	Use:     "symbols <macho>",
	Aliases: []string{"syms"},
	Short:   "Print the symbol table",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMachO(args[0])
		if err != nil {
			return err
		}
		defer m.Close()

		if m.Symtab == nil {
			return errors.Errorf("%s has no LC_SYMTAB", args[0])
		}

		if a := viper.GetString("symbols.addr"); a != "" {
			addr, err := parseAddr(a)
			if err != nil {
				return err
			}
			syms, err := m.FindAddressSymbols(addr)
			if err != nil {
				return err
			}
			for _, s := range syms {
				fmt.Println(s)
			}
			return nil
		}

		dy := m.Dysymtab
		if viper.GetBool("symbols.dynamic") && dy != nil {
			header("Local Symbols")
			for _, s := range dy.Locals() {
				fmt.Println(s)
			}
			header("External Symbols")
			for _, s := range dy.ExternalDefined() {
				fmt.Println(s)
			}
			header("Undefined Symbols")
			for _, s := range dy.Undefined() {
				fmt.Println(s)
			}
		} else {
			header("Symbols")
			for _, s := range m.Symtab.Syms {
				if !s.NameValid {
					log.WithField("index", s.StrIndex).Debug("symbol with invalid name")
				}
				fmt.Println(s)
			}
		}

		if viper.GetBool("symbols.indirect") && dy != nil {
			header("Indirect Symbols")
			for i := range dy.IndirectSyms {
				idx, name := dy.IndirectSymbol(uint64(i))
				fmt.Printf("%5d %#08x %s\n", i, idx, colorName(name))
			}
		}
		return nil
	},
}
