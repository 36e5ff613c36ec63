package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/occupancy"
)

var enterCmd = &cobra.Command{
	Use:   "enter <user-id>",
	Short: "Record that a user entered the building",
	Long:  `Operator override: record an entry without a camera or gate.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runManual(cmd, args, database.EventEnter)
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit <user-id>",
	Short: "Record that a user left the building",
	Long:  `Operator override: record an exit without a camera or gate.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runManual(cmd, args, database.EventExit)
	},
}

var insideCmd = &cobra.Command{
	Use:   "inside",
	Short: "List users currently inside",
	RunE:  runInside,
}

func init() {
	rootCmd.AddCommand(enterCmd)
	rootCmd.AddCommand(exitCmd)
	rootCmd.AddCommand(insideCmd)

	insideCmd.Flags().Bool("json", false, "Output as JSON")
}

func runManual(cmd *cobra.Command, args []string, kind database.EventKind) error {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	ledger, closeNotifier, err := newLedger(cfg, backend, nil, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	req := occupancy.Request{UserID: userID, Source: database.SourceManual}
	var session database.Session
	if kind == database.EventEnter {
		session, err = ledger.RecordEntry(ctx, req)
	} else {
		session, err = ledger.RecordExit(ctx, req)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if kind == database.EventEnter {
		fmt.Fprintf(out, "User %d entered (session %d)\n", userID, session.ID)
	} else {
		fmt.Fprintf(out, "User %d left after %s (session %d)\n", userID, sessionLength(session), session.ID)
	}
	return nil
}

func sessionLength(s database.Session) time.Duration {
	if s.ExitedAt == nil {
		return 0
	}
	return s.ExitedAt.Sub(s.EnteredAt).Round(time.Second)
}

// InsideResult is the JSON output of the inside command
type InsideResult struct {
	Count  int           `json:"count"`
	Inside []InsideEntry `json:"inside"`
}

type InsideEntry struct {
	UserID    int64     `json:"user_id"`
	SessionID int64     `json:"session_id"`
	EnteredAt time.Time `json:"entered_at"`
}

func runInside(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	sessions, err := occupancy.NewLedger(backend.Occupancy, nil, nil, logger).Inside(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open sessions: %w", err)
	}

	if jsonOutput {
		result := InsideResult{Count: len(sessions), Inside: make([]InsideEntry, 0, len(sessions))}
		for _, s := range sessions {
			result.Inside = append(result.Inside, InsideEntry{UserID: s.UserID, SessionID: s.ID, EnteredAt: s.EnteredAt})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nobody is inside.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tSESSION\tENTERED\tINSIDE FOR")
	fmt.Fprintln(w, "----\t-------\t-------\t----------")
	now := time.Now()
	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", s.UserID, s.ID, s.EnteredAt.Local().Format(time.DateTime), now.Sub(s.EnteredAt).Round(time.Minute))
	}
	w.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d inside\n", len(sessions))
	return nil
}
