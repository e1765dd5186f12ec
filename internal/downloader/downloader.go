package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/theia/internal/downloader/progress"
	"github.com/italolelis/theia/internal/logctx"
	"github.com/italolelis/theia/internal/telemetry"
	"github.com/italolelis/theia/internal/usgs"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm = 0755

	defaultPollInterval = 30 * time.Second
	defaultPollDeadline = time.Hour

	progressInterval = int64(100 * 1024 * 1024) // 100MB
)

// ErrStagingDeadline is returned when staged downloads were still pending
// when the poll deadline expired. Files dispatched before the deadline are
// fetched to completion regardless.
var ErrStagingDeadline = errors.New("downloader: staging poll deadline exceeded")

// CatalogClient is the slice of the M2M client the downloader needs.
type CatalogClient interface {
	DownloadOptions(ctx context.Context, payload usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error)
	SubmitDownloadRequest(ctx context.Context, payload usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error)
	RetrieveDownloads(ctx context.Context, label string) (*usgs.DownloadRetrieveResult, error)
}

// Downloader orchestrates bulk scene downloads: it resolves which products
// can be ordered, submits the batch, polls until the service has staged
// every file, and fetches the resulting URLs under the shared concurrency
// gate.
type Downloader struct {
	catalog      CatalogClient
	gate         *Gate
	fetchClient  *http.Client
	tel          *telemetry.Telemetry
	pollInterval time.Duration
	pollDeadline time.Duration
}

func NewDownloader(catalog CatalogClient, gate *Gate, pollInterval, pollDeadline time.Duration) *Downloader {
	if gate == nil {
		gate = NewGate(DefaultMaxParallel)
	}

	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	if pollDeadline <= 0 {
		pollDeadline = defaultPollDeadline
	}

	return &Downloader{
		catalog: catalog,
		gate:    gate,
		fetchClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		pollInterval: pollInterval,
		pollDeadline: pollDeadline,
	}
}

// SetTelemetry attaches metric instruments. Nil disables instrumentation.
func (d *Downloader) SetTelemetry(tel *telemetry.Telemetry) {
	d.tel = tel
}

// SetFetchClient overrides the HTTP client used for file transfers.
func (d *Downloader) SetFetchClient(client *http.Client) {
	d.fetchClient = client
}

// ResolveCandidates asks the service which products are orderable for the
// scenes in the payload and keeps the available ones. A dataset
// authorization failure is recovered here and yields zero candidates; any
// other failure propagates.
func (d *Downloader) ResolveCandidates(ctx context.Context, payload usgs.DownloadOptionsPayload) ([]usgs.Download, error) {
	logger := logctx.LoggerFromContext(ctx).With("dataset", payload.DatasetName)

	logger.InfoContext(ctx, "retrieving download options")

	options, err := d.catalog.DownloadOptions(ctx, payload)
	if err != nil {
		var authErr *usgs.DatasetAuthError
		if errors.As(err, &authErr) {
			logger.ErrorContext(ctx, "dataset not authorized for download", "err", err)

			return nil, nil
		}

		return nil, fmt.Errorf("failed to get download options: %w", err)
	}

	candidates := make([]usgs.Download, 0, len(options))

	for _, opt := range options {
		if !opt.Available {
			continue
		}

		candidates = append(candidates, usgs.Download{EntityID: opt.EntityID, ProductID: opt.ID})
	}

	logger.DebugContext(ctx, "download options resolved",
		"option_count", len(options),
		"available_count", len(candidates),
	)

	return candidates, nil
}

// DownloadScenes submits the candidate batch, waits for the service to
// stage every file, and fetches them into targetDir. Submission failures
// abort the call; per-file fetch failures end up in the report instead.
func (d *Downloader) DownloadScenes(ctx context.Context, candidates []usgs.Download, targetDir string) (*Report, error) {
	logger := logctx.LoggerFromContext(ctx)
	report := &Report{}

	if len(candidates) == 0 {
		logger.InfoContext(ctx, "no available products for download")

		return report, nil
	}

	label := newLabel()
	logger = logger.With("label", label)

	logger.InfoContext(ctx, "requesting downloads", "candidate_count", len(candidates))

	result, err := d.catalog.SubmitDownloadRequest(ctx, usgs.DownloadRequestPayload{
		Downloads: candidates,
		Label:     label,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit download request: %w", err)
	}

	wg, wctx := errgroup.WithContext(logctx.WithLogger(ctx, logger))

	var stagingErr error

	if result.PreparingDownloads {
		stagingErr = d.awaitStagedDownloads(wctx, wg, report, result, label, len(candidates), targetDir)
	} else {
		for _, dl := range result.AvailableDownloads {
			d.dispatch(wctx, wg, report, dl, targetDir)
		}
	}

	logger.InfoContext(ctx, "waiting for file transfers to finish")

	// Workers never return errors; outcomes land in the report.
	_ = wg.Wait()

	if stagingErr != nil {
		return report, stagingErr
	}

	logger.InfoContext(ctx, "all downloads complete",
		"done", report.Count(FetchDone),
		"failed", report.Count(FetchFailed),
		"skipped", report.Count(FetchSkippedNoFilename),
	)

	return report, nil
}

// awaitStagedDownloads polls download-retrieve until every requested file
// that has not permanently failed is dispatched, the deadline expires, or
// the context is cancelled. Files are handed to the fetch pool as soon as
// their URL appears, not when the whole batch resolves.
func (d *Downloader) awaitStagedDownloads(
	ctx context.Context,
	wg *errgroup.Group,
	report *Report,
	submitted *usgs.DownloadRequestResult,
	label string,
	requestedCount int,
	targetDir string,
) error {
	logger := logctx.LoggerFromContext(ctx)

	wanted := make(map[usgs.DownloadID]struct{}, len(submitted.NewRecords)+len(submitted.DuplicateProducts))
	for _, id := range submitted.NewRecords {
		wanted[id] = struct{}{}
	}

	for _, id := range submitted.DuplicateProducts {
		wanted[id] = struct{}{}
	}

	// Permanently failed ids are excluded from the wait target so the loop
	// does not spin forever on entries the service already gave up on.
	target := requestedCount - len(submitted.Failed)
	resolved := make(map[usgs.DownloadID]struct{}, target)

	deadline := time.Now().Add(d.pollDeadline)

	for {
		d.tel.RecordStagingPoll()

		retrieved, err := d.catalog.RetrieveDownloads(ctx, label)
		if err != nil {
			// Poll failures are retryable; the next cycle tries again.
			logger.ErrorContext(ctx, "failed to retrieve staged downloads", "err", err)
		} else {
			for _, dl := range retrieved.Available {
				d.dispatchResolved(ctx, wg, report, wanted, resolved, dl, targetDir)
			}

			for _, dl := range retrieved.Requested {
				d.dispatchResolved(ctx, wg, report, wanted, resolved, dl, targetDir)
			}
		}

		if len(resolved) >= target {
			return nil
		}

		if time.Now().After(deadline) {
			logger.ErrorContext(ctx, "staging poll deadline exceeded",
				"resolved", len(resolved),
				"target", target,
			)

			return ErrStagingDeadline
		}

		logger.InfoContext(ctx, "downloads still being staged",
			"pending", target-len(resolved),
			"retry_in", d.pollInterval.String(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *Downloader) dispatchResolved(
	ctx context.Context,
	wg *errgroup.Group,
	report *Report,
	wanted, resolved map[usgs.DownloadID]struct{},
	dl usgs.ResolvedDownload,
	targetDir string,
) {
	if _, ok := wanted[dl.DownloadID]; !ok {
		return
	}

	if _, ok := resolved[dl.DownloadID]; ok {
		return
	}

	resolved[dl.DownloadID] = struct{}{}
	d.dispatch(ctx, wg, report, dl, targetDir)
}

func (d *Downloader) dispatch(ctx context.Context, wg *errgroup.Group, report *Report, dl usgs.ResolvedDownload, targetDir string) {
	wg.Go(func() error {
		report.add(d.fetchFile(ctx, dl, targetDir))

		return nil
	})
}

// fetchFile performs one file transfer under the gate. All failure modes
// end in the returned outcome; nothing escalates to the orchestrator.
func (d *Downloader) fetchFile(ctx context.Context, dl usgs.ResolvedDownload, targetDir string) FetchOutcome {
	logger := logctx.LoggerFromContext(ctx).With("download_id", string(dl.DownloadID))
	outcome := FetchOutcome{DownloadID: dl.DownloadID, URL: dl.URL}

	if err := d.gate.Acquire(ctx); err != nil {
		outcome.State = FetchFailed
		outcome.Err = fmt.Errorf("failed to acquire transfer slot: %w", err)

		logger.ErrorContext(ctx, "failed to acquire transfer slot", "err", err)

		return outcome
	}
	defer d.gate.Release()

	d.tel.IncrementActiveDownloads()
	defer d.tel.DecrementActiveDownloads()

	start := time.Now()

	outcome = d.transfer(ctx, logger, outcome, dl, targetDir)

	d.tel.RecordDownload(string(outcome.State), time.Since(start))

	return outcome
}

func (d *Downloader) transfer(ctx context.Context, logger *slog.Logger, outcome FetchOutcome, dl usgs.ResolvedDownload, targetDir string) FetchOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.URL, nil)
	if err != nil {
		outcome.State = FetchFailed
		outcome.Err = fmt.Errorf("failed to create request: %w", err)

		logger.ErrorContext(ctx, "failed to create fetch request", "err", err)

		return outcome
	}

	resp, err := d.fetchClient.Do(req)
	if err != nil {
		outcome.State = FetchFailed
		outcome.Err = fmt.Errorf("failed to fetch file: %w", err)

		logger.ErrorContext(ctx, "failed to fetch file", "err", err)

		return outcome
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		outcome.State = FetchFailed
		outcome.Err = fmt.Errorf("failed to fetch file: unexpected status %s", resp.Status)

		logger.ErrorContext(ctx, "failed to fetch file", "status", resp.Status)

		return outcome
	}

	filename, ok := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if !ok {
		outcome.State = FetchSkippedNoFilename

		logger.WarnContext(ctx, "response has no content-disposition filename, skipping write")

		return outcome
	}

	outcome.Filename = filename

	if err := d.writeFile(ctx, resp.Body, resp.ContentLength, targetDir, filename); err != nil {
		outcome.State = FetchFailed
		outcome.Err = err

		logger.ErrorContext(ctx, "failed to save file", "filename", filename, "err", err)

		return outcome
	}

	outcome.State = FetchDone

	logger.InfoContext(ctx, "downloaded and saved file", "filename", filename)

	return outcome
}

func (d *Downloader) writeFile(ctx context.Context, body io.Reader, totalBytes int64, targetDir, filename string) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(targetDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	targetPath := filepath.Join(targetDir, filename)

	out, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	logger.InfoContext(ctx, "downloading file",
		"file_path", targetPath,
		"file_size", humanize.Bytes(uint64(max(totalBytes, 0))),
	)

	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"file_path", targetPath,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress",
				"file_path", targetPath,
				"downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := progress.NewReader(body, totalBytes, progressInterval, progressCb)

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	return nil
}

var dispositionPattern = regexp.MustCompile(`filename=(.+)`)

// filenameFromDisposition extracts the filename from a content-disposition
// header value, stripping surrounding quotes. Path components are dropped
// so the service cannot steer writes outside the target directory.
func filenameFromDisposition(header string) (string, bool) {
	m := dispositionPattern.FindStringSubmatch(header)
	if m == nil {
		return "", false
	}

	name := strings.Trim(strings.TrimSpace(m[1]), `"`)
	if name == "" {
		return "", false
	}

	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", false
	}

	return name, true
}

// newLabel builds the correlation label for one submission: a
// second-precision timestamp for operator readability plus a ksuid so two
// calls in the same second cannot collide.
func newLabel() string {
	return time.Now().Format("20060102_150405") + "_" + ksuid.New().String()
}
