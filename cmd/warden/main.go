package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - Ethereum validator supervisor",
	Long: `Warden supervises an Ethereum validator client on an untrusted host:
it imports the anti-slashing record before every start, exports it after
every stop, replicates sealed backups to relay hosts over SSH, and
answers operator commands on a local socket and through relay tunnels.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Warden version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "/etc/warden/warden.yaml", "Config file path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listTunnelsCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(rotateTunnelCmd)
	rootCmd.AddCommand(backupNowCmd)
	rootCmd.AddCommand(fetchRemoteCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(shutdownHostCmd)
}
