package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags available to all subcommands
	configFile string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scriptbridge",
	Short: "scriptbridge answers HTTP requests from a single script loop",
	Long: `scriptbridge runs an embedded HTTP server whose requests are all answered on
one script goroutine, and fetches URLs through a reply tracker that reports each
request's start and finish exactly once.

Configuration can be provided via flags, environment variables (SCRIPTBRIDGE_*),
or a YAML configuration file.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (or set SCRIPTBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}
