package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/store"
)

// AuditOptions holds flags shared by the audit subcommands.
type AuditOptions struct {
	*RootOptions
	Database string
	Node     string
	Limit    int
}

// AuditEvent is the JSON form of a recorded event.
type AuditEvent struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	BindingID string         `json:"binding_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Processed bool           `json:"processed"`
}

// AuditMessage is the JSON form of a recorded delivery attempt.
type AuditMessage struct {
	Attempt       int64          `json:"attempt"`
	MessageID     string         `json:"message_id"`
	Seq           int64          `json:"seq"`
	Type          string         `json:"type"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id"`
	Priority      string         `json:"priority"`
	Outcome       string         `json:"outcome"`
	Content       map[string]any `json:"content,omitempty"`
	HierarchyPath []string       `json:"hierarchy_path,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewAuditCommand creates the audit command and its subcommands.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit database",
		Long: `Query the SQLite audit database written by "eldertree run".

The database defaults to audit.database from the configuration.

Examples:
  eldertree audit events --db audit.db --type EmergencyAlert
  eldertree audit messages --db audit.db --node claude_elder --outcome failed
  eldertree audit counts --db audit.db --format json`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite audit database")
	cmd.PersistentFlags().StringVar(&opts.Node, "node", "", "filter by node id")
	cmd.PersistentFlags().IntVar(&opts.Limit, "limit", 0, "maximum rows to return (0 = all)")

	cmd.AddCommand(newAuditEventsCommand(opts))
	cmd.AddCommand(newAuditMessagesCommand(opts))
	cmd.AddCommand(newAuditCountsCommand(opts))

	return cmd
}

func newAuditEventsCommand(opts *AuditOptions) *cobra.Command {
	var (
		eventType string
		bindingID string
		pending   bool
	)
	cmd := &cobra.Command{
		Use:           "events",
		Short:         "List recorded events",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventType != "" {
				if _, err := model.ParseEventType(eventType); err != nil {
					return WrapExitError(ExitCommandError, "invalid --type", err)
				}
			}
			return withStore(opts, cmd, func(ctx context.Context, f *OutputFormatter, st *store.Store) error {
				evs, err := st.Events(ctx, store.EventFilter{
					Type:      eventType,
					BindingID: bindingID,
					NodeID:    opts.Node,
					Pending:   pending,
					Limit:     opts.Limit,
				})
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeAudit, "failed to query events", err)
				}
				return outputEvents(f, evs)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&bindingID, "binding", "", "filter by binding id")
	cmd.Flags().BoolVar(&pending, "pending", false, "only events not yet processed")
	return cmd
}

func newAuditMessagesCommand(opts *AuditOptions) *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:           "messages",
		Short:         "List message delivery attempts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ctx context.Context, f *OutputFormatter, st *store.Store) error {
				recs, err := st.Messages(ctx, store.MessageFilter{
					NodeID:  opts.Node,
					Outcome: outcome,
					Limit:   opts.Limit,
				})
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeAudit, "failed to query messages", err)
				}
				return outputMessages(f, recs)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by delivery outcome")
	return cmd
}

func newAuditCountsCommand(opts *AuditOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "counts",
		Short:         "Count recorded events by type",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ctx context.Context, f *OutputFormatter, st *store.Store) error {
				counts, err := st.EventCounts(ctx)
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeAudit, "failed to count events", err)
				}
				if f.Format == "json" {
					return f.Success(counts)
				}
				if len(counts) == 0 {
					fmt.Fprintln(f.Writer, "No events recorded.")
					return nil
				}
				for _, typ := range slices.Sorted(maps.Keys(counts)) {
					fmt.Fprintf(f.Writer, "%-24s %d\n", typ, counts[typ])
				}
				return nil
			})
		},
	}
}

// withStore opens the audit database read side and runs fn against it.
// A missing database file is a command error; store.Open would create it.
func withStore(opts *AuditOptions, cmd *cobra.Command, fn func(context.Context, *OutputFormatter, *store.Store) error) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return err
		}
		path = cfg.Audit.Database
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no audit database: pass --db or set audit.database")
	}
	if _, err := os.Stat(path); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeAudit, "audit database not found", err)
	}

	formatter.VerboseLog("Opening audit database %s", path)
	st, err := store.Open(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeAudit, "failed to open audit database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, formatter, st)
}

func outputEvents(f *OutputFormatter, evs []model.Event) error {
	if f.Format == "json" {
		out := make([]AuditEvent, 0, len(evs))
		for _, ev := range evs {
			out = append(out, AuditEvent{
				ID:        ev.ID,
				Seq:       ev.Seq,
				Type:      ev.Type.String(),
				BindingID: ev.BindingID,
				NodeID:    ev.NodeID,
				Data:      ev.Data,
				Timestamp: ev.Timestamp,
				Processed: ev.Processed,
			})
		}
		return f.Success(out)
	}
	if len(evs) == 0 {
		fmt.Fprintln(f.Writer, "No events found.")
		return nil
	}
	for _, ev := range evs {
		writeEventLine(f.Writer, ev)
	}
	return nil
}

func writeEventLine(w io.Writer, ev model.Event) {
	var refs []string
	if ev.NodeID != "" {
		refs = append(refs, "node="+ev.NodeID)
	}
	if ev.BindingID != "" {
		refs = append(refs, "binding="+ev.BindingID)
	}
	mark := " "
	if ev.Processed {
		mark = "✓"
	}
	fmt.Fprintf(w, "%s %5d %s %-22s %s\n", mark, ev.Seq,
		ev.Timestamp.Format(time.RFC3339), ev.Type, strings.Join(refs, " "))
}

func outputMessages(f *OutputFormatter, recs []store.MessageRecord) error {
	if f.Format == "json" {
		out := make([]AuditMessage, 0, len(recs))
		for _, r := range recs {
			out = append(out, AuditMessage{
				Attempt:       r.Attempt,
				MessageID:     r.MessageID,
				Seq:           r.Seq,
				Type:          r.MessageType,
				SenderID:      r.SenderID,
				ReceiverID:    r.ReceiverID,
				Priority:      r.Priority.String(),
				Outcome:       r.Outcome,
				Content:       r.Content,
				HierarchyPath: r.HierarchyPath,
				Timestamp:     r.Timestamp,
			})
		}
		return f.Success(out)
	}
	if len(recs) == 0 {
		fmt.Fprintln(f.Writer, "No messages found.")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(f.Writer, "%5d %s %-10s %s -> %s %s [%s]\n",
			r.Attempt, r.Timestamp.Format(time.RFC3339), r.Outcome,
			r.SenderID, r.ReceiverID, r.MessageType, strings.Join(r.HierarchyPath, ">"))
	}
	return nil
}
