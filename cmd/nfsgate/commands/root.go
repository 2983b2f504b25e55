// Package commands implements the nfsgate CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configPath string

	versionStr = "dev"
	commitStr  = "none"
	dateStr    = "unknown"
)

// SetVersionInfo records the build-time version stamps.
func SetVersionInfo(version, commit, date string) {
	versionStr, commitStr, dateStr = version, commit, date
}

var rootCmd = &cobra.Command{
	Use:   "nfsgate",
	Short: "NFS RPC dispatcher",
	Long: `nfsgate is the RPC front end of an NFS server: it listens on the
NFS, MOUNT, NLM, and RQUOTA ports over UDP, TCP, and optionally VSOCK and
RDMA, decodes and authenticates inbound calls, classifies them onto
prioritized request queues, and hands them to worker threads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nfsgate %s (commit %s, built %s)\n", versionStr, commitStr, dateStr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: /etc/nfsgate/config.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
