package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/theia/internal/config"
	"github.com/italolelis/theia/internal/downloader"
	"github.com/italolelis/theia/internal/logctx"
	"github.com/italolelis/theia/internal/telemetry"
	"github.com/italolelis/theia/internal/usgs"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "theia",
		Short:         "Search and bulk-download scenes from the USGS Earth Explorer catalog",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newLoginCmd(),
		newDownloadCmd(),
		newSearchCmd(),
		newDatasetsCmd(),
		newSceneListCmd(),
	)

	return cmd
}

// setup loads the configuration, installs the process logger and returns a
// logged-in API client. The returned cleanup logs the session out.
func setup(cmd *cobra.Command) (context.Context, *config.Config, *usgs.Client, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("config error: %w", err)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx := logctx.WithLogger(cmd.Context(), logger)

	client := usgs.NewClient(cfg.BaseURL, cfg.Username, cfg.Password)
	client.RateLimitDelay = cfg.RateLimitRetryDelay
	client.SetRequestTimeout(cfg.RequestTimeout)

	if err := client.Login(ctx); err != nil {
		return nil, nil, nil, nil, err
	}

	cleanup := func() {
		logoutCtx, cancel := context.WithTimeout(logctx.WithLogger(context.Background(), logger), 30*time.Second)
		defer cancel()

		if err := client.Logout(logoutCtx); err != nil {
			logger.Error("failed to log out", "err", err)
		}
	}

	return ctx, cfg, client, cleanup, nil
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Verify the configured credentials against the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, _, client, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			perms, err := client.Permissions(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "logged in, permissions: %v\n", perms)

			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var (
		datasetName string
		entityIDs   []string
		listID      string
		targetDir   string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Order and fetch all available products for the given scenes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, client, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			logger := logctx.LoggerFromContext(ctx)

			tel, err := telemetry.New(ctx, telemetry.Config{
				Enabled:        cfg.Metrics.Enabled,
				ServiceName:    "theia",
				ServiceVersion: version,
			})
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer tel.Shutdown(ctx)

			client.SetTelemetry(tel)

			if cfg.Metrics.Enabled {
				startMetricsServer(ctx, cfg, tel)
			}

			// The auth token expires after two hours; keep long batches
			// authenticated.
			client.KeepSessionAlive(ctx, cfg.RelogInterval)

			gate := downloader.NewGate(cfg.MaxParallel)

			d := downloader.NewDownloader(client, gate, cfg.PollInterval, cfg.PollDeadline)
			d.SetTelemetry(tel)

			if targetDir == "" {
				targetDir = cfg.TargetDir
			}

			var report *downloader.Report

			err = tel.InstrumentOperation(ctx, "download_scenes", "downloader", func(ctx context.Context) error {
				candidates, err := d.ResolveCandidates(ctx, usgs.DownloadOptionsPayload{
					DatasetName: datasetName,
					EntityIDs:   entityIDs,
					ListID:      listID,
				})
				if err != nil {
					return err
				}

				report, err = d.DownloadScenes(ctx, candidates, targetDir)

				return err
			})

			if report != nil {
				logger.Info("download report",
					"done", report.Count(downloader.FetchDone),
					"failed", report.Count(downloader.FetchFailed),
					"skipped", report.Count(downloader.FetchSkippedNoFilename),
				)
			}

			return err
		},
	}

	cmd.Flags().StringVar(&datasetName, "dataset", "", "dataset name, e.g. landsat_ot_c2_l2")
	cmd.Flags().StringSliceVar(&entityIDs, "entity-ids", nil, "scene entity ids to download")
	cmd.Flags().StringVar(&listID, "list-id", "", "scene list to download instead of explicit ids")
	cmd.Flags().StringVar(&targetDir, "target-dir", "", "directory to save files into")
	_ = cmd.MarkFlagRequired("dataset")

	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		params     usgs.SearchParams
		lon, lat   float64
		minCC      int
		maxCC      int
		bboxCoords []float64
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the catalog and print matching scenes as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, _, client, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if cmd.Flags().Changed("longitude") {
				params.Longitude = &lon
			}

			if cmd.Flags().Changed("latitude") {
				params.Latitude = &lat
			}

			if cmd.Flags().Changed("min-cloud-cover") {
				params.MinCloudCover = &minCC
			}

			if cmd.Flags().Changed("max-cloud-cover") {
				params.MaxCloudCover = &maxCC
			}

			if len(bboxCoords) > 0 {
				if len(bboxCoords) != 4 {
					return fmt.Errorf("bbox wants 4 values (xmin,ymin,xmax,ymax), got %d", len(bboxCoords))
				}

				params.BBox = []usgs.Coordinate{
					{Longitude: bboxCoords[0], Latitude: bboxCoords[1]},
					{Longitude: bboxCoords[2], Latitude: bboxCoords[3]},
				}
			}

			filter, err := usgs.GenerateSceneFilter(params)
			if err != nil {
				return err
			}

			result, err := client.SceneSearch(ctx, usgs.SceneSearchPayload{
				DatasetName:  params.Dataset,
				MaxResults:   params.MaxResults,
				MetadataType: "full",
				SceneFilter:  filter,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&params.Dataset, "dataset", "", "dataset name")
	cmd.Flags().Float64Var(&lon, "longitude", 0, "point of interest longitude")
	cmd.Flags().Float64Var(&lat, "latitude", 0, "point of interest latitude")
	cmd.Flags().Float64SliceVar(&bboxCoords, "bbox", nil, "bounding box as xmin,ymin,xmax,ymax")
	cmd.Flags().StringVar(&params.StartDate, "start-date", "", "acquisition start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&params.EndDate, "end-date", "", "acquisition end date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&minCC, "min-cloud-cover", 0, "minimum cloud cover percentage")
	cmd.Flags().IntVar(&maxCC, "max-cloud-cover", 0, "maximum cloud cover percentage")
	cmd.Flags().IntSliceVar(&params.Months, "months", nil, "restrict results to these months (1-12)")
	cmd.Flags().IntVar(&params.MaxResults, "max-results", 100, "maximum number of results")
	_ = cmd.MarkFlagRequired("dataset")

	return cmd
}

func newDatasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List the datasets available to the account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, _, client, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			datasets, err := client.DatasetSearch(ctx)
			if err != nil {
				return err
			}

			for _, ds := range datasets {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ds.DatasetAlias, ds.CollectionName)
			}

			return nil
		},
	}
}

func newSceneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scene-list",
		Short: "Manage server-side scene lists",
	}

	var addPayload usgs.SceneListAddPayload

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add scenes to a scene list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, _, client, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			added, err := client.AddScenesToList(ctx, addPayload)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added %d scenes\n", added)

			return nil
		},
	}

	addCmd.Flags().StringVar(&addPayload.ListID, "list-id", "", "scene list id")
	addCmd.Flags().StringVar(&addPayload.DatasetName, "dataset", "", "dataset name")
	addCmd.Flags().StringSliceVar(&addPayload.EntityIDs, "entity-ids", nil, "scene entity ids")
	addCmd.Flags().StringVar(&addPayload.IDField, "id-field", "", "id field the entity ids use (entityId or displayId)")
	addCmd.Flags().StringVar(&addPayload.TimeToLive, "ttl", "", "list time to live, e.g. P1D")
	_ = addCmd.MarkFlagRequired("list-id")
	_ = addCmd.MarkFlagRequired("dataset")

	var removePayload usgs.SceneListRemovePayload

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove scenes from a scene list, or the whole list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, _, client, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.RemoveScenesFromList(ctx, removePayload); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "removed")

			return nil
		},
	}

	removeCmd.Flags().StringVar(&removePayload.ListID, "list-id", "", "scene list id")
	removeCmd.Flags().StringVar(&removePayload.DatasetName, "dataset", "", "dataset name")
	removeCmd.Flags().StringSliceVar(&removePayload.EntityIDs, "entity-ids", nil, "scene entity ids to remove")
	_ = removeCmd.MarkFlagRequired("list-id")

	cmd.AddCommand(addCmd, removeCmd)

	return cmd
}

// startMetricsServer exposes the Prometheus scrape endpoint for the
// lifetime of the command.
func startMetricsServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) {
	logger := logctx.LoggerFromContext(ctx)

	r := chi.NewRouter()
	r.Handle("/metrics", tel.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Metrics.BindAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "host", cfg.Metrics.BindAddress)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()
}
