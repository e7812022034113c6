package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "wine-cask [listen-addr]",
	Short: "Compatibility tool manager for Steam",
	Long: `wine-cask installs, tracks and removes Steam compatibility tools
(Proton-GE, Luxtorpeda, Boxtron) on behalf of the Decky overlay.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr := ""
		if len(args) == 1 {
			listenAddr = args[0]
		}
		return runService(listenAddr)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wine-cask v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print installed compatibility tools as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/wine-cask/wine-cask.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
