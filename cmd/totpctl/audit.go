package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 7d)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the tamper-evident audit log",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := auth.AuditLog()
		if err != nil {
			return err
		}

		var since time.Time
		if auditSince != "" {
			d, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-d)
		}

		events, err := log.ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(out, "No audit events found")
			return nil
		}

		for _, e := range events {
			// TIMESTAMP OPERATION RESULT [account:HASH] [error:CODE]
			line := fmt.Sprintf("%s %s %s", e.Timestamp, e.Operation, e.Result)
			if e.Account != "" {
				line += " account:" + e.Account[:min(16, len(e.Account))] + "..."
			}
			if e.Error != nil {
				line += " error:" + e.Error.Code
			}
			fmt.Fprintln(out, line)
		}
		fmt.Fprintf(out, "\nTotal: %d events\n", len(events))
		return nil
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := auth.AuditLog()
		if err != nil {
			return err
		}

		result, err := log.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		out := cmd.OutOrStdout()
		if !result.Valid {
			fmt.Fprintln(out, "Audit log verification FAILED")
			fmt.Fprintf(out, "  Records total: %d\n", result.RecordsTotal)
			fmt.Fprintf(out, "  Records verified: %d\n", result.RecordsVerified)
			fmt.Fprintln(out, "  Errors:")
			for _, e := range result.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
			return fmt.Errorf("audit log integrity check failed")
		}

		fmt.Fprintf(out, "Audit log verified: %d records, chain intact\n", result.RecordsTotal)
		return nil
	},
}

// parseDuration accepts Go durations plus d (days) and w (weeks).
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	var n int
	switch unit := s[len(s)-1]; unit {
	case 'd', 'w':
		if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil {
			return 0, fmt.Errorf("invalid duration value: %s", s)
		}
		days := n
		if unit == 'w' {
			days *= 7
		}
		return time.Duration(days) * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
