package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/p2p-db-sync/dbsync/internal/fullsync"
	"github.com/p2p-db-sync/dbsync/internal/monitoring"
)

const requestTimeout = 30 * time.Second

func withClient(addr *string, fn func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		return fn(ctx, monitoring.NewClient(*addr), cmd, args)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newStatusCmd(addr *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the node, its peers and running full syncs",
		Args:  cobra.NoArgs,
		RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, status)
			}

			n := status.Node
			fmt.Fprintf(out, "Node:        %s (%s)\n", n.Name, n.NodeID)
			fmt.Fprintf(out, "Endpoint:    %s:%d/%s\n", n.Address, n.Port, n.Protocol)
			fmt.Fprintf(out, "High water:  %d\n", n.HighWater)
			fmt.Fprintf(out, "Up since:    %s\n", humanize.Time(n.StartedAt))
			fmt.Fprintf(out, "Sync paused: %t\n\n", status.SyncPaused)
			renderPeers(out, status.Peers)
			if len(status.Sessions) > 0 {
				fmt.Fprintln(out)
				renderSessions(out, status.Sessions)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func newPeersCmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List trusted and rejected peers",
		Args:  cobra.NoArgs,
		RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			renderPeers(out, status.Peers)
			if len(status.Rejected) > 0 {
				fmt.Fprintln(out)
				t := tablewriter.NewWriter(out)
				t.SetHeader([]string{"Rejected address", "Port", "Last seen", "Reason"})
				for _, r := range status.Rejected {
					t.Append([]string{r.Address, fmt.Sprint(r.Port), humanize.Time(r.LastSeenAt), r.Reason})
				}
				t.Render()
			}
			return nil
		}),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <node-id>",
		Short: "Forget a peer until it is discovered again",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
			if err := c.RemovePeer(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed peer %s\n", args[0])
			return nil
		}),
	})
	return cmd
}

func newFullSyncCmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fullsync",
		Aliases: []string{"fs"},
		Short:   "Start, inspect, cancel or clear full sync sessions",
	}

	var wait bool
	start := &cobra.Command{
		Use:   "start <peer-id> <pull|push>",
		Short: "Copy every replicated table from (pull) or to (push) a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := fullsync.Direction(strings.ToUpper(args[1]))
			if !direction.Valid() {
				return fmt.Errorf("direction must be pull or push, got %q", args[1])
			}
			c := monitoring.NewClient(*addr)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			p, err := c.StartFullSync(ctx, args[0], direction)
			cancel()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Started %s session %s with %s\n", p.Direction, p.SessionID, p.PeerNodeID)
			if !wait {
				return nil
			}
			return follow(cmd.Context(), c, out, p.SessionID)
		},
	}
	start.Flags().BoolVarP(&wait, "wait", "w", false, "follow progress until the session ends")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
			sessions, err := c.Sessions(ctx, limit)
			if err != nil {
				return err
			}
			renderSessions(cmd.OutOrStdout(), sessions)
			return nil
		}),
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
			p, err := c.Session(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		}),
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session before its restore commits",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
			if err := c.CancelSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear <session-id>",
		Short: "Fail a stuck session and release its peer lock",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
			p, err := c.ClearStuckSession(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s is now %s\n", p.SessionID, p.Phase)
			return nil
		}),
	}

	cmd.AddCommand(start, list, show, cancelCmd, clearCmd)
	return cmd
}

// follow polls a session until it reaches a terminal phase
func follow(ctx context.Context, c *monitoring.Client, out io.Writer, sessionID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last string
	for {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		p, err := c.Session(reqCtx, sessionID)
		cancel()
		if err != nil {
			return err
		}

		line := progressLine(p)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if p.Phase.Terminal() {
			if p.Phase != fullsync.StatusCompleted {
				return fmt.Errorf("session %s ended %s: %s", sessionID, p.Phase, p.Error)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func progressLine(p *fullsync.Progress) string {
	line := fmt.Sprintf("%-12s %5.1f%%  %s / %s  rows %d / %d",
		p.Phase, p.PercentComplete,
		humanize.Bytes(uint64(p.BytesTransferred)), humanize.Bytes(uint64(p.TotalBytes)),
		p.RowsApplied, p.TotalRows)
	if p.EstimatedSecondsRemaining >= 0 && !p.Phase.Terminal() {
		line += fmt.Sprintf("  eta %s", time.Duration(p.EstimatedSecondsRemaining)*time.Second)
	}
	if p.Stuck {
		line += "  STUCK"
	}
	return line
}

func newSyncCmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Control incremental sync",
	}
	for _, action := range []struct{ name, short, done string }{
		{"pause", "Stop scheduled exchanges", "Incremental sync paused"},
		{"resume", "Resume scheduled exchanges", "Incremental sync resumed"},
		{"trigger", "Run an exchange cycle now", "Exchange cycle triggered"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: withClient(addr, func(ctx context.Context, c *monitoring.Client, cmd *cobra.Command, args []string) error {
				if err := c.SyncControl(ctx, action.name); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), action.done)
				return nil
			}),
		})
	}
	return cmd
}

func renderPeers(out io.Writer, peers []monitoring.PeerStatus) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "No known peers")
		return
	}
	t := tablewriter.NewWriter(out)
	t.SetHeader([]string{"Node", "Name", "Endpoint", "Status", "Last seen", "Behind", "Pending", "Failures", "Locked"})
	for _, p := range peers {
		behind, pending, failures, locked := "-", "-", "-", "-"
		if p.Lag != nil {
			behind = fmt.Sprint(p.Lag.Behind)
			if p.Lag.Pending >= 0 {
				pending = fmt.Sprint(p.Lag.Pending)
			}
		}
		if p.Exchange != nil {
			failures = fmt.Sprint(p.Exchange.ConsecutiveFailures)
			locked = fmt.Sprint(p.Exchange.Locked)
		}
		t.Append([]string{p.NodeID, p.Name, p.Endpoint(), string(p.Status), humanize.Time(p.LastSeenAt),
			behind, pending, failures, locked})
	}
	t.Render()
}

func renderSessions(out io.Writer, sessions []fullsync.Progress) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions")
		return
	}
	t := tablewriter.NewWriter(out)
	t.SetHeader([]string{"Session", "Direction", "Peer", "Phase", "Progress", "Started", "Error"})
	for _, s := range sessions {
		direction := string(s.Direction)
		if s.Inbound {
			direction += " (in)"
		}
		phase := string(s.Phase)
		if s.Stuck {
			phase += " (stuck)"
		}
		t.Append([]string{s.SessionID, direction, s.PeerNodeID, phase,
			fmt.Sprintf("%.1f%%", s.PercentComplete), humanize.Time(s.StartedAt), s.Error})
	}
	t.Render()
}
