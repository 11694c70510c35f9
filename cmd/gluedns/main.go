package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/gluedns/pkg/supervisor"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a returned error to a process exit code: 0 normal
// shutdown, 2 invalid configuration, 3 fatal bind failure, 4
// unrecoverable auth misconfiguration. Any other error falls back to 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidConfig):
		return 2
	case errors.Is(err, supervisor.ErrBindFailure):
		return 3
	case errors.Is(err, supervisor.ErrAuthMisconfigured):
		return 4
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "gluedns",
	Short: "gluedns - authenticated gossip-based name resolution for a container cluster",
	Long: `gluedns runs one instance per host in a cluster. Each instance watches
its local container runtime for containers attached to a chosen network,
publishes their names and addresses into a shared registry, and gossips
that registry to every other instance over an authenticated peer-to-peer
transport. Any instance can then answer DNS queries for any container's
name, cluster-wide.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gluedns version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(lookupCmd)
}
