package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/apex/log"
	macho "github.com/appsworld/go-machodump"
	dwf "github.com/blacktop/go-dwarf"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().BoolP("loads", "l", false, "Print every load command")
	dumpCmd.Flags().BoolP("content", "c", false, "Print decoded section contents")
	dumpCmd.Flags().BoolP("starts", "f", false, "Print function starts")
	dumpCmd.Flags().BoolP("threads", "t", false, "Print thread states")
	dumpCmd.Flags().Bool("dwarf", false, "List DWARF compile units")
	dumpCmd.Flags().BoolP("hexdump", "x", false, "Hex dump routed sections (with --verbose)")
	dumpCmd.Flags().Bool("skip-dyld-info", false, "Do not interpret rebase/bind/export info")
	bindFlags("dump", dumpCmd.Flags())
	dumpCmd.MarkZshCompPositionalArgumentFile(1)
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump <macho>",
	Short: "Dump the header, segments and sections of a MachO",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMachO(args[0], macho.FileConfig{
			DumpSections: viper.GetBool("dump.hexdump"),
			SkipDyldInfo: viper.GetBool("dump.skip-dyld-info"),
		})
		if err != nil {
			return err
		}
		defer m.Close()

		fmt.Println(m.FileHeader.String())

		if viper.GetBool("dump.loads") {
			header("Load Commands")
			for i, l := range m.Loads {
				fmt.Printf("%03d: %-28s %s\n", i, colorField(l.Command()), l)
			}
		}

		printSegments(m)

		if viper.GetBool("dump.content") {
			printContent(m)
		}
		if viper.GetBool("dump.threads") {
			header("Thread States")
			for _, ts := range m.ThreadState() {
				fmt.Printf("flavor=%d count=%d\n", ts.Flavor, ts.Count)
				if ts.Regs != nil {
					fmt.Println(ts.Regs.String(4))
					fmt.Printf("    entry: %s\n", colorAddr("%#x", ts.Regs.ProgramCounter()))
				}
			}
		}
		if viper.GetBool("dump.starts") {
			starts, err := m.FunctionStarts()
			if err != nil {
				log.WithError(err).Warn("no function starts")
			}
			header("Function Starts")
			for _, addr := range starts {
				fmt.Println(colorAddr("%#016x", addr))
			}
		}
		if viper.GetBool("dump.dwarf") {
			if err := printCompileUnits(m); err != nil {
				return err
			}
		}

		for _, err := range m.Errors() {
			log.WithError(err).Debug("recoverable")
		}
		return nil
	},
}

func printSegments(m *macho.File) {
	header("Segments")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, seg := range m.Segments() {
		fmt.Fprintf(w, "%s\t%s-%s\t%s\toff=%#x\t%s/%s\n",
			colorName(seg.Name),
			colorAddr("%#016x", seg.Addr),
			colorAddr("%#016x", seg.Addr+seg.Memsz),
			humanize.Bytes(seg.Memsz),
			seg.Offset,
			seg.Prot,
			seg.Maxprot)
		for _, sec := range seg.Sections() {
			fmt.Fprintf(w, "  %s.%s\t%s-%s\t%s\toff=%#x\t%s\n",
				sec.Seg,
				colorName(sec.Name),
				colorAddr("%#016x", sec.Addr),
				colorAddr("%#016x", sec.Addr+sec.Size),
				humanize.Bytes(sec.Size),
				sec.Offset,
				sec.Flags)
		}
	}
	w.Flush()
}

func printContent(m *macho.File) {
	c := m.Content
	if len(c.CStrings) > 0 {
		header("C Strings")
		for _, s := range c.CStrings {
			fmt.Printf("%s: %q\n", colorAddr("%#016x", s.Addr), s.Value)
		}
	}
	if len(c.SymbolPointers) > 0 {
		header("Symbol Pointers")
		for _, p := range c.SymbolPointers {
			fmt.Printf("%s %-10s %#08x %s\n", colorAddr("%#016x", p.Addr), p.Kind, p.Index, p.Symbol)
		}
	}
	if len(c.Stubs) > 0 {
		header("Stubs")
		for _, s := range c.Stubs {
			fmt.Printf("%s %s\n", colorAddr("%#016x", s.Addr), s.Symbol)
		}
	}
	for _, ptrs := range []struct {
		title string
		list  []macho.Pointer
	}{
		{"Initializers", c.InitFuncs},
		{"Terminators", c.TermFuncs},
		{"TLV Initializers", c.TLVInits},
		{"Pointer Tables", c.Pointers},
	} {
		if len(ptrs.list) == 0 {
			continue
		}
		header(ptrs.title)
		for _, p := range ptrs.list {
			fmt.Printf("%s -> %#016x (%s)\n", colorAddr("%#016x", p.Addr), p.Value, p.Section)
		}
	}
	if len(c.CFStrings) > 0 {
		header("CFStrings")
		for _, s := range c.CFStrings {
			fmt.Printf("%s: %q\n", colorAddr("%#016x", s.Addr), s.Value)
		}
	}
	if len(c.Interposers) > 0 {
		header("Interposers")
		for _, i := range c.Interposers {
			fmt.Printf("%#016x replaces %#016x\n", i.Replacement, i.Replacee)
		}
	}
	if len(c.SysctlOIDs) > 0 {
		header("Sysctls")
		for _, o := range c.SysctlOIDs {
			fmt.Printf("%s %-32s %s handler=%#x\n", colorAddr("%#016x", o.Addr), o.Name, o.Format, o.Handler)
		}
	}
	if len(c.SFIClasses) > 0 {
		header("SFI Classes")
		for _, s := range c.SFIClasses {
			fmt.Printf("%3d %-32s %s\n", s.ID, s.Name, s.LedgerName)
		}
	}
	if c.ObjCImageInfo != nil {
		header("ObjC Image Info")
		fmt.Printf("version=%d flags=%#x\n", c.ObjCImageInfo.Version, c.ObjCImageInfo.Flags)
	}
}

func printCompileUnits(m *macho.File) error {
	df, err := m.DWARF()
	if err != nil {
		return err
	}
	header("Compile Units")
	r := df.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwf.TagCompileUnit {
			continue
		}
		name, _ := entry.Val(dwf.AttrName).(string)
		dir, _ := entry.Val(dwf.AttrCompDir).(string)
		fmt.Printf("%s %s\n", colorName(name), dir)
		r.SkipChildren()
	}
	return nil
}
