package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/mailpilot/internal/journal"
	"github.com/xkilldash9x/mailpilot/internal/observability"
)

func newJournalCmd() *cobra.Command {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded runs",
	}
	journalCmd.AddCommand(newJournalListCmd())
	journalCmd.AddCommand(newJournalShowCmd())
	return journalCmd
}

// openJournal opens the configured backend for reading.
func openJournal(cmd *cobra.Command) (journal.Journal, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, err
	}
	return journal.Open(cmd.Context(), cfg.Journal, observability.GetLogger())
}

func newJournalListCmd() *cobra.Command {
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			runs, err := j.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded yet.")
				return nil
			}
			writeRunTable(out, runs)
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")
	return listCmd
}

func writeRunTable(out io.Writer, runs []journal.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tPROVIDER\tOUTCOME\tSTEPS\tSUMMARY")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Provider, r.Outcome, r.Steps, oneLine(runSummaryText(r), 60))
	}
	w.Flush()
}

func runSummaryText(r journal.RunSummary) string {
	switch {
	case r.FailureReason != "":
		return r.FailureReason
	case r.FinalResult != "":
		return r.FinalResult
	case r.Objective != nil:
		return r.Objective.Summary()
	}
	return "-"
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}

func newJournalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its conversation and actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			detail, err := j.Show(cmd.Context(), args[0])
			if errors.Is(err, journal.ErrRunNotFound) {
				return fmt.Errorf("no run with ID %q", args[0])
			}
			if err != nil {
				return err
			}
			writeRunDetail(cmd.OutOrStdout(), detail)
			return nil
		},
	}
}

func writeRunDetail(out io.Writer, d *journal.RunDetail) {
	fmt.Fprintf(out, "Run:       %s\n", d.ID)
	fmt.Fprintf(out, "Provider:  %s\n", d.Provider)
	fmt.Fprintf(out, "Outcome:   %s\n", d.Outcome)
	fmt.Fprintf(out, "Started:   %s\n", d.StartedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(out, "Duration:  %s\n", d.FinishedAt.Sub(d.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "Steps:     %d\n", d.Steps)
	if d.Objective != nil {
		fmt.Fprintf(out, "Objective: %s\n", d.Objective.Summary())
	}
	if d.FinalResult != "" {
		fmt.Fprintf(out, "Result:    %s\n", d.FinalResult)
	}
	if d.FailureReason != "" {
		fmt.Fprintf(out, "Failure:   %s (%s)\n", d.FailureReason, d.FailureCode)
	}

	if len(d.Messages) > 0 {
		fmt.Fprintln(out, "\nConversation:")
		for _, m := range d.Messages {
			fmt.Fprintf(out, "  [%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.Role, m.Content)
		}
	}
	if len(d.Actions) > 0 {
		fmt.Fprintln(out, "\nActions:")
		for i, a := range d.Actions {
			fmt.Fprintf(out, "  %d. %s\n", i+1, a)
		}
	}
}
