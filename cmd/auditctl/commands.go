package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	audit "github.com/dr4tinymous/hipaa-audit"
)

func newVerifyCmd(f *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Validate every persisted event against the audit schema",
		Long:  "Scans the audit log without modifying it. Exits with status 2 when violations are found.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withLogger(cmd, func(ctx context.Context, l *audit.Logger) error {
				report, err := l.ValidateIntegrity(adminContext(ctx))
				if err != nil {
					return fmt.Errorf("validate: %w", err)
				}
				out := cmd.OutOrStdout()
				if f.jsonOutput() {
					if err := printJSON(out, report); err != nil {
						return err
					}
				} else {
					_, _ = fmt.Fprintf(out, "checked %d events\n", report.TotalLogs)
					for _, e := range report.Errors {
						_, _ = fmt.Fprintf(out, "  %s\n", e)
					}
					if report.IsValid {
						_, _ = fmt.Fprintln(out, "OK")
					}
				}
				if !report.IsValid {
					return fmt.Errorf("%w: %d violations", errVerifyFailed, len(report.Errors))
				}
				return nil
			})
		},
	}
}

func newStatsCmd(f *storeFlags) *cobra.Command {
	var since, until string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate counts over the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseTimeFlag("since", since)
			if err != nil {
				return err
			}
			end, err := parseTimeFlag("until", until)
			if err != nil {
				return err
			}
			return f.withLogger(cmd, func(ctx context.Context, l *audit.Logger) error {
				stats, err := l.GetStatistics(adminContext(ctx), start, end)
				if err != nil {
					return fmt.Errorf("statistics: %w", err)
				}
				if f.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				return printStats(cmd.OutOrStdout(), stats)
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only count events at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only count events at or before this RFC 3339 time")
	return cmd
}

func newLogsCmd(f *storeFlags) *cobra.Command {
	var (
		since, until string
		userID       string
		eventType    string
		phi          string
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List persisted events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := audit.LogFilter{
				UserID:    userID,
				EventType: audit.EventType(eventType),
				Limit:     limit,
				Offset:    offset,
			}
			var err error
			if filter.StartDate, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if filter.EndDate, err = parseTimeFlag("until", until); err != nil {
				return err
			}
			if eventType != "" && !filter.EventType.Valid() {
				return fmt.Errorf("unknown event type %q", eventType)
			}
			if phi != "" {
				v, err := strconv.ParseBool(phi)
				if err != nil {
					return fmt.Errorf("invalid --phi value %q: %w", phi, err)
				}
				filter.PHIAccessed = &v
			}

			return f.withLogger(cmd, func(ctx context.Context, l *audit.Logger) error {
				events, err := l.GetLogs(adminContext(ctx), filter)
				if err != nil {
					return fmt.Errorf("query: %w", err)
				}
				if f.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), events)
				}
				return printEvents(cmd.OutOrStdout(), events)
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only list events at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only list events at or before this RFC 3339 time")
	cmd.Flags().StringVar(&userID, "user", "", "Only list events of this user id")
	cmd.Flags().StringVar(&eventType, "type", "", "Only list events of this event type")
	cmd.Flags().StringVar(&phi, "phi", "", "Filter on the PHI flag (true or false)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of matching events to skip")
	return cmd
}

func newSweepCmd(f *storeFlags) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete events older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}
			return f.withLogger(cmd, func(ctx context.Context, l *audit.Logger) error {
				removed, err := l.CleanupOldLogs(ctx, days)
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				if f.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d events\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (0 uses the configured retention)")
	return cmd
}

// adminContext marks the CLI operator as an administrator so the commands
// pass an AdminOnly access check configured on the Logger.
func adminContext(ctx context.Context) context.Context {
	return audit.WithRequestContext(ctx, audit.RequestContext{
		UserRole:     audit.RoleAdmin,
		SourceSystem: "auditctl",
	})
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value %q: %w", name, v, err)
	}
	return &t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStats(w io.Writer, s audit.Statistics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "total events\t%d\n", s.TotalEvents)
	_, _ = fmt.Fprintf(tw, "phi accesses\t%d\n", s.PHIAccessCount)
	_, _ = fmt.Fprintf(tw, "failures\t%d\n", s.FailureCount)
	_, _ = fmt.Fprintf(tw, "unique users\t%d\n", s.UniqueUsers)

	types := make([]string, 0, len(s.EventsByType))
	for t := range s.EventsByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		_, _ = fmt.Fprintf(tw, "type %s\t%d\n", t, s.EventsByType[audit.EventType(t)])
	}
	for _, r := range []audit.RiskLevel{audit.RiskLow, audit.RiskMedium, audit.RiskHigh, audit.RiskCritical} {
		if n, ok := s.EventsByRiskLevel[r]; ok {
			_, _ = fmt.Fprintf(tw, "risk %s\t%d\n", r, n)
		}
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []audit.AuditEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIMESTAMP\tTYPE\tOUTCOME\tUSER\tRESOURCE\tPHI\tRISK\tACTION")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			e.Timestamp, e.EventType, e.Outcome, e.UserID, e.ResourceType, e.PHIAccessed, e.RiskLevel, e.Action)
	}
	return tw.Flush()
}
