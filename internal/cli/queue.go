package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agentworkforce/fieldsync/internal/outbox"
	"github.com/agentworkforce/fieldsync/internal/syncengine"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// stdinIsTerminal is swapped in tests.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func newEnqueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <json|->",
		Short: "Persist one mutation for later delivery",
		Long: `Persist one JSON mutation in the local queue. Use - to read the payload
from stdin. The command returns once the record is durable; it never
contacts the authority.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			body, err := readPayloadArg(args[0], cmd.InOrStdin())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read payload", err)
			}
			parts, err := opts.openEngine(cmd, false)
			if err != nil {
				return err
			}
			defer parts.Close()

			record, err := parts.engine.Enqueue(cmd.Context(), json.RawMessage(body))
			switch {
			case errors.Is(err, syncengine.ErrInvalidPayload):
				return WrapExitError(ExitCommandError, "payload rejected", err)
			case err != nil:
				return WrapExitError(ExitFailure, "mutation was not persisted", err)
			}
			return out.success(record, record.ID)
		},
	}
}

func newPendingCommand(opts *RootOptions) *cobra.Command {
	var countOnly bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued mutations in delivery order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			parts, err := opts.openEngine(cmd, false)
			if err != nil {
				return err
			}
			defer parts.Close()

			records, err := parts.engine.PendingRecords(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read queue", err)
			}
			if countOnly {
				return out.success(map[string]int{"count": len(records)}, fmt.Sprint(len(records)))
			}
			return out.success(records, renderRecords(records))
		},
	}
	cmd.Flags().BoolVar(&countOnly, "count", false, "print only the number of pending records")
	return cmd
}

func renderRecords(records []outbox.Record) string {
	if len(records) == 0 {
		return "queue is empty"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Status, r.Attempts, r.CreatedAt.Format(time.RFC3339), r.LastError)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func newDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one delivery pass against the authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			parts, err := opts.openEngine(cmd, true)
			if err != nil {
				return err
			}
			defer parts.Close()

			summary, err := parts.engine.DrainOnce(cmd.Context(), syncengine.ReasonManual)
			if err != nil {
				return WrapExitError(ExitFailure, "drain failed", err)
			}
			if err := out.success(summary, renderSummary(summary)); err != nil {
				return err
			}
			if summary.Err != nil {
				return WrapExitError(ExitFailure, "delivery outcomes were not persisted", summary.Err)
			}
			return nil
		},
	}
}

func renderSummary(s syncengine.Summary) string {
	return fmt.Sprintf("delivered=%d rejected=%d transient=%d held=%d deferred=%d pending=%d (%s)",
		s.Delivered, s.Rejected, s.Transient, s.Held, s.Deferred, s.Pending, s.Duration().Round(time.Millisecond))
}

func newClearCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending mutation",
		Long: `Drop every pending mutation without delivering it. This cannot be undone.
On a terminal the command asks for confirmation unless --yes is given;
elsewhere --yes is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			parts, err := opts.openEngine(cmd, false)
			if err != nil {
				return err
			}
			defer parts.Close()

			if !yes {
				count, err := parts.engine.PendingCount(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read queue", err)
				}
				if !stdinIsTerminal() {
					return NewExitError(ExitCommandError, "refusing to clear the queue without --yes")
				}
				ok, err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Drop %d pending mutation(s)? [y/N] ", count))
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read confirmation", err)
				}
				if !ok {
					return out.success(map[string]int{"cleared": 0}, "aborted")
				}
			}
			cleared, err := parts.engine.ClearAll(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to clear queue", err)
			}
			parts.logger.Warn("queue cleared", "records", cleared)
			return out.success(map[string]int{"cleared": cleared}, fmt.Sprintf("cleared %d record(s)", cleared))
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func confirm(in io.Reader, prompt io.Writer, question string) (bool, error) {
	fmt.Fprint(prompt, question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func newRejectedCommand(opts *RootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [ids...]",
		Short: short,
		Long:  short + ". With no ids every rejected record is affected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			parts, err := opts.openEngine(cmd, false)
			if err != nil {
				return err
			}
			defer parts.Close()

			apply := parts.engine.RetryRejected
			if action == "discard" {
				apply = parts.engine.DiscardRejected
			}
			updated, err := apply(cmd.Context(), args)
			if err != nil {
				return WrapExitError(ExitFailure, action+" failed", err)
			}
			return out.success(map[string]int{"updated": updated}, fmt.Sprintf("%s: %d record(s)", action, updated))
		},
	}
}
