// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phira-mp/plughost/internal/control"
)

// HostStatus is the combined result of the health and status endpoints.
type HostStatus struct {
	Running       bool   `json:"running"`
	Health        string `json:"health,omitempty"`
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Plugins       int    `json:"plugins"`
	Subscriptions int    `json:"subscriptions"`
	Version       string `json:"version,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running host",
		Long:  `Show the health, uptime and plugin count of the running host.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			st := queryStatus(cmd, client)
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			formatStatusTable(cmd.OutOrStdout(), st)
			return nil
		},
	}
	addSocketFlag(cmd.Flags())
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	return cmd
}

// queryStatus never fails: an unreachable host is reported as stopped.
func queryStatus(cmd *cobra.Command, client *control.Client) HostStatus {
	health, err := client.Health(cmd.Context())
	if err != nil {
		return HostStatus{Error: err.Error()}
	}
	st := HostStatus{Running: true, Health: health.Status}

	resp, err := client.Status(cmd.Context())
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Running = resp.Running
	st.PID = resp.PID
	st.UptimeSeconds = resp.UptimeSeconds
	st.Plugins = resp.Plugins
	st.Subscriptions = resp.Subscriptions
	st.Version = resp.Version
	return st
}

func formatStatusTable(out io.Writer, st HostStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tHEALTH\tPID\tUPTIME\tPLUGINS\tSUBSCRIPTIONS")
	if st.Running {
		_, _ = fmt.Fprintf(w, "running\t%s\t%d\t%s\t%d\t%d\n",
			st.Health, st.PID, formatUptime(st.UptimeSeconds), st.Plugins, st.Subscriptions)
	} else {
		reason := "not running"
		if st.Error != "" {
			reason = st.Error
		}
		_, _ = fmt.Fprintf(w, "stopped\t-\t-\t-\t-\t%s\n", reason)
	}
	_ = w.Flush()
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
