package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	macho "github.com/appsworld/go-machodump"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool
	// AppVersion stores the build version
	AppVersion string
)

var (
	colorHeader = color.New(color.Bold, color.FgHiBlue).SprintFunc()
	colorField  = color.New(color.FgHiCyan).SprintFunc()
	colorAddr   = color.New(color.Faint).SprintfFunc()
	colorName   = color.New(color.FgHiYellow).SprintFunc()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "macho-dump",
	Short: "Dump the structure of Mach-O binaries",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/macho-dump/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindEnv("color", "CLICOLOR")

	rootCmd.Version = AppVersion
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "macho-dump"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("macho_dump")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

// bindFlags binds every flag of a subcommand under "<prefix>.<flag>".
func bindFlags(prefix string, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(prefix+"."+f.Name, f)
	})
}

// openMachO parses the Mach-O at path with the settings shared by every
// subcommand.
func openMachO(path string, conf ...macho.FileConfig) (*macho.File, error) {
	var cfg macho.FileConfig
	if len(conf) > 0 {
		cfg = conf[0]
	}
	cfg.Logger = log.Log
	m, err := macho.Open(filepath.Clean(path), cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if n := len(m.Errors()); n > 0 {
		log.Warnf("%s parsed with %d recoverable error(s)", path, n)
	}
	return m, nil
}

// parseAddr accepts any Go integer literal: decimal, 0x hex, 0o octal.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", s)
	}
	return v, nil
}

func header(title string) {
	fmt.Println()
	fmt.Println(colorHeader(title))
	fmt.Println(colorHeader(strings.Repeat("=", len(title))))
}
