package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
)

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "Camera registry commands",
}

var camerasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered cameras",
	RunE:  runCamerasList,
}

var camerasCalibrateCmd = &cobra.Command{
	Use:   "calibrate <name>",
	Short: "Compute the floor transformation of a camera",
	Long: `Fit a camera to floor plan homography to the stored calibration points
of a camera and save it. At least four points that are not collinear are
needed. Detection records of calibrated cameras carry floor coordinates.`,
	Args: cobra.ExactArgs(1),
	RunE: runCamerasCalibrate,
}

func init() {
	rootCmd.AddCommand(camerasCmd)
	camerasCmd.AddCommand(camerasListCmd)
	camerasCmd.AddCommand(camerasCalibrateCmd)

	camerasListCmd.Flags().Bool("enabled", false, "Only list enabled cameras")
	camerasCalibrateCmd.Flags().Bool("clear", false, "Remove the stored transformation instead")
	camerasCalibrateCmd.Flags().Bool("dry-run", false, "Print the transformation without saving it")
}

func runCamerasList(cmd *cobra.Command, args []string) error {
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

	cameras, err := backend.Cameras.ListCameras(ctx, mustGetBool(cmd, "enabled"))
	if err != nil {
		return fmt.Errorf("failed to list cameras: %w", err)
	}
	if len(cameras) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No cameras found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tENABLED\tCALIBRATED\tLINK")
	fmt.Fprintln(w, "--\t----\t----\t-------\t----------\t----")
	for _, c := range cameras {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\t%s\n", c.ID, c.Name, c.Role, c.Enabled, c.Transformation != nil, c.Link)
	}
	w.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d cameras\n", len(cameras))
	return nil
}

func runCamerasCalibrate(cmd *cobra.Command, args []string) error {
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

	cam, err := backend.Cameras.GetCameraByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load camera: %w", err)
	}
	if cam == nil {
		return fmt.Errorf("camera %q not found", args[0])
	}

	out := cmd.OutOrStdout()
	if mustGetBool(cmd, "clear") {
		if err := backend.Cameras.SetTransformation(ctx, cam.ID, nil); err != nil {
			return fmt.Errorf("failed to clear transformation: %w", err)
		}
		fmt.Fprintf(out, "Transformation of %s removed\n", cam.Name)
		return nil
	}

	h, n, err := calibrate(cmd, backend.Cameras, cam.ID)
	if err != nil {
		return err
	}

	values := h.Values()
	fmt.Fprintf(out, "Camera %s, %d calibration points\n", cam.Name, n)
	for i := range 3 {
		fmt.Fprintf(out, "  [% .6f % .6f % .6f]\n", values[i*3], values[i*3+1], values[i*3+2])
	}
	if mustGetBool(cmd, "dry-run") {
		return nil
	}

	if err := backend.Cameras.SetTransformation(ctx, cam.ID, values); err != nil {
		return fmt.Errorf("failed to save transformation: %w", err)
	}
	fmt.Fprintln(out, "Transformation saved. Restart the pipelines (SIGHUP) to use it.")
	return nil
}

// calibrate fits a homography to the stored calibration points of a camera.
func calibrate(cmd *cobra.Command, cameras database.CameraWriter, cameraID int64) (*geometry.Homography, int, error) {
	points, err := cameras.CalibrationPoints(cmd.Context(), cameraID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load calibration points: %w", err)
	}
	if len(points) < database.MinCalibrationPoints {
		return nil, len(points), fmt.Errorf("need at least %d calibration points, camera has %d", database.MinCalibrationPoints, len(points))
	}

	pairs := make([]geometry.CalibrationPoint, 0, len(points))
	for _, p := range points {
		pairs = append(pairs, geometry.CalibrationPoint{
			CameraX: p.CameraX,
			CameraY: p.CameraY,
			CanvasX: p.CanvasX,
			CanvasY: p.CanvasY,
		})
	}
	h, err := geometry.EstimateHomography(pairs)
	if err != nil {
		return nil, len(points), err
	}
	return h, len(points), nil
}
