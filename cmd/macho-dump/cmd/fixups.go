package cmd

import (
	"fmt"

	"github.com/appsworld/go-machodump/pkg/dyldinfo"
	"github.com/appsworld/go-machodump/pkg/fixupchains"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(fixupsCmd)

	fixupsCmd.Flags().BoolP("rebase", "r", false, "Only print rebases")
	fixupsCmd.Flags().BoolP("bind", "b", false, "Only print binds")
	bindFlags("fixups", fixupsCmd.Flags())
	fixupsCmd.MarkZshCompPositionalArgumentFile(1)
}

// fixupsCmd represents the fixups command
var fixupsCmd = &cobra.Command{
	Use:   "fixups <macho>",
	Short: "Print the rebase and bind records of the dyld info streams or fixup chains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		onlyRebase := viper.GetBool("fixups.rebase")
		onlyBind := viper.GetBool("fixups.bind")
		if onlyRebase && onlyBind {
			return fmt.Errorf("you can only use --rebase OR --bind")
		}

		m, err := openMachO(args[0])
		if err != nil {
			return err
		}
		defer m.Close()

		if m.DyldInfo() == nil {
			if c := m.ChainedFixups(); c != nil {
				printChains(c, onlyRebase, onlyBind)
				return nil
			}
			return fmt.Errorf("%s has neither LC_DYLD_INFO nor LC_DYLD_CHAINED_FIXUPS", args[0])
		}

		if !onlyBind {
			header("Rebase Information")
			fmt.Println("segment section          address     type")
			for _, r := range m.Rebases() {
				fmt.Println(r)
			}
		}
		if !onlyRebase {
			printBinds("Bind Information", m.Binds())
			printBinds("Weak Bind Information", m.WeakBinds())
			printBinds("Lazy Bind Information", m.LazyBinds())
		}
		return nil
	},
}

func printBinds(title string, binds []dyldinfo.Bind) {
	if len(binds) == 0 {
		return
	}
	header(title)
	fmt.Println("segment section          address        type  addend dylib            symbol")
	for _, b := range binds {
		if b.LazyOffset > 0 {
			fmt.Printf("%s (lazy offset %#x)\n", b, b.LazyOffset)
			continue
		}
		fmt.Println(b)
	}
}

func printChains(c *fixupchains.Chains, onlyRebase, onlyBind bool) {
	header("Chained Fixups")
	fmt.Printf("imports=%d format=%s\n", c.ImportsCount, c.ImportsFormat)
	for _, s := range c.Starts {
		fmt.Printf("segment %d: %s page_size=%#x pages=%d\n", s.SegmentIndex, s.PointerFormat, s.PageSize, s.PageCount)
	}
	if !onlyBind {
		header("Rebases")
		for _, f := range c.Rebases() {
			fmt.Println(f)
		}
	}
	if !onlyRebase {
		header("Binds")
		for _, f := range c.Binds() {
			fmt.Println(f)
		}
	}
}
