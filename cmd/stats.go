package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show detection statistics",
	Long: `Show how many detections were stored in a time window, how many of them
were attributed to a user and the users seen most often.

Examples:
  # Last 24 hours
  occupancy stats

  # One camera, last week
  occupancy stats --since 168h --camera-id 3`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	addStatsFlags(statsCmd)
}

func addStatsFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("since", database.DefaultStatsWindow, "Length of the window ending now")
	cmd.Flags().String("from", "", "Window start (RFC3339), overrides --since")
	cmd.Flags().String("to", "", "Window end (RFC3339), defaults to now")
	cmd.Flags().Int64("camera-id", 0, "Only count detections of this camera")
	cmd.Flags().Bool("json", false, "Output as JSON")
}

// StatsResult is the JSON output of the stats command
type StatsResult struct {
	From          time.Time                     `json:"from"`
	To            time.Time                     `json:"to"`
	CameraID      *int64                        `json:"camera_id,omitempty"`
	Total         int64                         `json:"total"`
	Recognized    int64                         `json:"recognized"`
	Unrecognized  int64                         `json:"unrecognized"`
	DistinctUsers int64                         `json:"distinct_users"`
	PerUser       []database.UserDetectionCount `json:"per_user"`
}

func statsFilter(cmd *cobra.Command, now time.Time) (database.StatsFilter, error) {
	f := database.StatsFilter{To: now}
	if v := mustGetString(cmd, "to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
		f.To = t
	}
	f.From = f.To.Add(-mustGetDuration(cmd, "since"))
	if v := mustGetString(cmd, "from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
		f.From = t
	}
	if !f.From.Before(f.To) {
		return f, fmt.Errorf("window start %s is not before its end %s", f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}
	if id := mustGetInt64(cmd, "camera-id"); id > 0 {
		f.CameraID = &id
	}
	return f, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	filter, err := statsFilter(cmd, time.Now().UTC())
	if err != nil {
		return err
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

	stats, err := backend.Stats.DetectionStats(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to compute stats: %w", err)
	}

	out := cmd.OutOrStdout()
	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(StatsResult{
			From:          filter.From,
			To:            filter.To,
			CameraID:      filter.CameraID,
			Total:         stats.Total,
			Recognized:    stats.Recognized,
			Unrecognized:  stats.Unrecognized,
			DistinctUsers: stats.DistinctUsers,
			PerUser:       stats.PerUser,
		})
	}

	fmt.Fprintf(out, "Window:        %s - %s\n", filter.From.Local().Format(time.DateTime), filter.To.Local().Format(time.DateTime))
	if filter.CameraID != nil {
		fmt.Fprintf(out, "Camera:        %d\n", *filter.CameraID)
	}
	fmt.Fprintf(out, "Detections:    %d\n", stats.Total)
	fmt.Fprintf(out, "Recognized:    %d\n", stats.Recognized)
	fmt.Fprintf(out, "Unrecognized:  %d\n", stats.Unrecognized)
	fmt.Fprintf(out, "Users:         %d\n", stats.DistinctUsers)

	if len(stats.PerUser) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tDETECTIONS")
	fmt.Fprintln(w, "----\t----------")
	for _, u := range stats.PerUser {
		fmt.Fprintf(w, "%d\t%d\n", u.UserID, u.Count)
	}
	return w.Flush()
}
