package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p2p-db-sync/dbsync/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           service.AppName,
		Short:         "Peer-to-peer database synchronization",
		Version:       service.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var adminAddr string
	root.PersistentFlags().StringVar(&adminAddr, "admin", envOr("DBSYNC_ADMIN_LISTEN", "127.0.0.1:7422"),
		"admin server address of the node to control")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(&adminAddr),
		newPeersCmd(&adminAddr),
		newFullSyncCmd(&adminAddr),
		newSyncCmd(&adminAddr),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
