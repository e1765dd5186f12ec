package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/theia/internal/usgs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	downloadOptionsFn func(ctx context.Context, payload usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error)
	submitFn          func(ctx context.Context, payload usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error)
	retrieveFn        func(ctx context.Context, label string) (*usgs.DownloadRetrieveResult, error)

	retrieveCalls atomic.Int64
}

func (f *fakeCatalog) DownloadOptions(ctx context.Context, payload usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error) {
	return f.downloadOptionsFn(ctx, payload)
}

func (f *fakeCatalog) SubmitDownloadRequest(ctx context.Context, payload usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
	return f.submitFn(ctx, payload)
}

func (f *fakeCatalog) RetrieveDownloads(ctx context.Context, label string) (*usgs.DownloadRetrieveResult, error) {
	f.retrieveCalls.Add(1)

	return f.retrieveFn(ctx, label)
}

// fileServer serves a small payload with a content-disposition filename
// derived from the request path.
func fileServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".tar.gz"))
		_, _ = w.Write([]byte("scene data for " + name))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestResolveCandidates(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps only available products", func(t *testing.T) {
		catalog := &fakeCatalog{
			downloadOptionsFn: func(_ context.Context, _ usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error) {
				return []usgs.DownloadOption{
					{ID: "p1", EntityID: "e1", Available: true},
					{ID: "p2", EntityID: "e2", Available: false},
					{ID: "p3", EntityID: "e3", Available: true},
				}, nil
			},
		}

		d := NewDownloader(catalog, NewGate(1), time.Second, time.Minute)

		candidates, err := d.ResolveCandidates(ctx, usgs.DownloadOptionsPayload{DatasetName: "ds", ListID: "list"})
		require.NoError(t, err)
		assert.Equal(t, []usgs.Download{
			{EntityID: "e1", ProductID: "p1"},
			{EntityID: "e3", ProductID: "p3"},
		}, candidates)
	})

	t.Run("nothing available yields empty candidates", func(t *testing.T) {
		catalog := &fakeCatalog{
			downloadOptionsFn: func(_ context.Context, _ usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error) {
				return []usgs.DownloadOption{{ID: "p1", EntityID: "e1", Available: false}}, nil
			},
		}

		d := NewDownloader(catalog, NewGate(1), time.Second, time.Minute)

		candidates, err := d.ResolveCandidates(ctx, usgs.DownloadOptionsPayload{DatasetName: "ds", ListID: "list"})
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})

	t.Run("dataset auth failure is recovered", func(t *testing.T) {
		catalog := &fakeCatalog{
			downloadOptionsFn: func(_ context.Context, _ usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error) {
				return nil, &usgs.DatasetAuthError{Endpoint: "download-options", Message: "no access"}
			},
		}

		d := NewDownloader(catalog, NewGate(1), time.Second, time.Minute)

		candidates, err := d.ResolveCandidates(ctx, usgs.DownloadOptionsPayload{DatasetName: "ds", ListID: "list"})
		require.NoError(t, err)
		assert.Nil(t, candidates)
	})

	t.Run("other failures propagate", func(t *testing.T) {
		catalog := &fakeCatalog{
			downloadOptionsFn: func(_ context.Context, _ usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error) {
				return nil, errors.New("boom")
			},
		}

		d := NewDownloader(catalog, NewGate(1), time.Second, time.Minute)

		_, err := d.ResolveCandidates(ctx, usgs.DownloadOptionsPayload{DatasetName: "ds", ListID: "list"})
		require.Error(t, err)
	})

	t.Run("calling twice issues no side effects", func(t *testing.T) {
		var calls atomic.Int64

		catalog := &fakeCatalog{
			downloadOptionsFn: func(_ context.Context, _ usgs.DownloadOptionsPayload) ([]usgs.DownloadOption, error) {
				calls.Add(1)

				return []usgs.DownloadOption{{ID: "p1", EntityID: "e1", Available: true}}, nil
			},
		}

		d := NewDownloader(catalog, NewGate(1), time.Second, time.Minute)

		first, err := d.ResolveCandidates(ctx, usgs.DownloadOptionsPayload{DatasetName: "ds", ListID: "list"})
		require.NoError(t, err)

		second, err := d.ResolveCandidates(ctx, usgs.DownloadOptionsPayload{DatasetName: "ds", ListID: "list"})
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.EqualValues(t, 2, calls.Load())
	})
}

func TestDownloadScenesEmptyBatch(t *testing.T) {
	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, _ usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			t.Fatal("submit must not be called for an empty batch")

			return nil, nil
		},
	}

	d := NewDownloader(catalog, NewGate(1), time.Second, time.Minute)

	report, err := d.DownloadScenes(context.Background(), nil, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, report.Len())
}

func TestDownloadScenesImmediatelyAvailable(t *testing.T) {
	srv := fileServer(t)
	targetDir := t.TempDir()

	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, payload usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			require.NotEmpty(t, payload.Label)

			return &usgs.DownloadRequestResult{
				PreparingDownloads: false,
				AvailableDownloads: []usgs.ResolvedDownload{
					{DownloadID: "1", URL: srv.URL + "/scene-1"},
					{DownloadID: "2", URL: srv.URL + "/scene-2"},
				},
			}, nil
		},
		retrieveFn: func(_ context.Context, _ string) (*usgs.DownloadRetrieveResult, error) {
			return &usgs.DownloadRetrieveResult{}, nil
		},
	}

	d := NewDownloader(catalog, NewGate(2), time.Second, time.Minute)

	candidates := []usgs.Download{
		{EntityID: "e1", ProductID: "p1"},
		{EntityID: "e2", ProductID: "p2"},
	}

	report, err := d.DownloadScenes(context.Background(), candidates, targetDir)
	require.NoError(t, err)

	// All files were ready at submission, so the staging endpoint is
	// never polled.
	assert.Zero(t, catalog.retrieveCalls.Load())
	assert.Equal(t, 2, report.Count(FetchDone))

	for _, name := range []string{"scene-1.tar.gz", "scene-2.tar.gz"} {
		_, statErr := os.Stat(filepath.Join(targetDir, name))
		assert.NoError(t, statErr)
	}
}

func TestDownloadScenesStagedBatch(t *testing.T) {
	srv := fileServer(t)
	targetDir := t.TempDir()

	var submittedLabel string

	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, payload usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			submittedLabel = payload.Label

			return &usgs.DownloadRequestResult{
				PreparingDownloads: true,
				NewRecords:         []usgs.DownloadID{"10", "11"},
				DuplicateProducts:  []usgs.DownloadID{"12"},
			}, nil
		},
	}

	catalog.retrieveFn = func(_ context.Context, label string) (*usgs.DownloadRetrieveResult, error) {
		assert.Equal(t, submittedLabel, label)

		if catalog.retrieveCalls.Load() == 1 {
			// First poll: only one file is staged so far.
			return &usgs.DownloadRetrieveResult{
				Available: []usgs.ResolvedDownload{{DownloadID: "10", URL: srv.URL + "/a"}},
			}, nil
		}

		return &usgs.DownloadRetrieveResult{
			Available: []usgs.ResolvedDownload{
				{DownloadID: "10", URL: srv.URL + "/a"},
				{DownloadID: "11", URL: srv.URL + "/b"},
			},
			Requested: []usgs.ResolvedDownload{
				{DownloadID: "12", URL: srv.URL + "/c"},
				// Not part of this batch, must be ignored.
				{DownloadID: "99", URL: srv.URL + "/other"},
			},
		}, nil
	}

	d := NewDownloader(catalog, NewGate(3), 10*time.Millisecond, time.Minute)

	candidates := []usgs.Download{
		{EntityID: "e1", ProductID: "p1"},
		{EntityID: "e2", ProductID: "p2"},
		{EntityID: "e3", ProductID: "p3"},
	}

	report, err := d.DownloadScenes(context.Background(), candidates, targetDir)
	require.NoError(t, err)

	assert.EqualValues(t, 2, catalog.retrieveCalls.Load())
	assert.Equal(t, 3, report.Count(FetchDone))

	// Re-announced ids are fetched once and the foreign id not at all.
	_, statErr := os.Stat(filepath.Join(targetDir, "other.tar.gz"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadScenesFailedProductsShrinkWaitTarget(t *testing.T) {
	srv := fileServer(t)

	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, _ usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			return &usgs.DownloadRequestResult{
				PreparingDownloads: true,
				NewRecords:         []usgs.DownloadID{"1", "2"},
				Failed:             []usgs.DownloadID{"3"},
			}, nil
		},
		retrieveFn: func(_ context.Context, _ string) (*usgs.DownloadRetrieveResult, error) {
			return &usgs.DownloadRetrieveResult{
				Available: []usgs.ResolvedDownload{
					{DownloadID: "1", URL: srv.URL + "/a"},
					{DownloadID: "2", URL: srv.URL + "/b"},
				},
			}, nil
		},
	}

	d := NewDownloader(catalog, NewGate(2), 10*time.Millisecond, time.Minute)

	candidates := []usgs.Download{
		{EntityID: "e1", ProductID: "p1"},
		{EntityID: "e2", ProductID: "p2"},
		{EntityID: "e3", ProductID: "p3"},
	}

	// The failed product never produces a URL; the loop must still
	// terminate after the two live ones resolve.
	report, err := d.DownloadScenes(context.Background(), candidates, t.TempDir())
	require.NoError(t, err)

	assert.EqualValues(t, 1, catalog.retrieveCalls.Load())
	assert.Equal(t, 2, report.Count(FetchDone))
}

func TestDownloadScenesPollDeadline(t *testing.T) {
	srv := fileServer(t)

	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, _ usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			return &usgs.DownloadRequestResult{
				PreparingDownloads: true,
				NewRecords:         []usgs.DownloadID{"1", "2"},
			}, nil
		},
		retrieveFn: func(_ context.Context, _ string) (*usgs.DownloadRetrieveResult, error) {
			// Only one of the two ever resolves.
			return &usgs.DownloadRetrieveResult{
				Available: []usgs.ResolvedDownload{{DownloadID: "1", URL: srv.URL + "/a"}},
			}, nil
		},
	}

	d := NewDownloader(catalog, NewGate(2), 5*time.Millisecond, 25*time.Millisecond)

	candidates := []usgs.Download{
		{EntityID: "e1", ProductID: "p1"},
		{EntityID: "e2", ProductID: "p2"},
	}

	report, err := d.DownloadScenes(context.Background(), candidates, t.TempDir())
	require.ErrorIs(t, err, ErrStagingDeadline)

	// The file dispatched before the deadline is still fetched.
	assert.Equal(t, 1, report.Count(FetchDone))
}

func TestDownloadScenesRespectsGateCap(t *testing.T) {
	const gateCap = 2

	var active, peak atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		defer active.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)

		w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(r.URL.Path))
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	available := make([]usgs.ResolvedDownload, 0, 6)
	candidates := make([]usgs.Download, 0, 6)

	for i := 0; i < 6; i++ {
		available = append(available, usgs.ResolvedDownload{
			DownloadID: usgs.DownloadID(fmt.Sprint(i)),
			URL:        fmt.Sprintf("%s/f%d", srv.URL, i),
		})
		candidates = append(candidates, usgs.Download{EntityID: fmt.Sprintf("e%d", i), ProductID: "p"})
	}

	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, _ usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			return &usgs.DownloadRequestResult{AvailableDownloads: available}, nil
		},
	}

	d := NewDownloader(catalog, NewGate(gateCap), time.Second, time.Minute)

	report, err := d.DownloadScenes(context.Background(), candidates, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Count(FetchDone))
	assert.LessOrEqual(t, peak.Load(), int64(gateCap))
}

func TestDownloadScenesFailuresAreIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Base(r.URL.Path) {
		case "bad":
			w.WriteHeader(http.StatusInternalServerError)
		case "nameless":
			_, _ = w.Write([]byte("no header"))
		default:
			w.Header().Set("Content-Disposition", `attachment; filename="good.tar.gz"`)
			_, _ = w.Write([]byte("data"))
		}
	}))
	defer srv.Close()

	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, _ usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			return &usgs.DownloadRequestResult{
				AvailableDownloads: []usgs.ResolvedDownload{
					{DownloadID: "1", URL: srv.URL + "/good"},
					{DownloadID: "2", URL: srv.URL + "/bad"},
					{DownloadID: "3", URL: srv.URL + "/nameless"},
				},
			}, nil
		},
	}

	d := NewDownloader(catalog, NewGate(3), time.Second, time.Minute)

	report, err := d.DownloadScenes(context.Background(), []usgs.Download{
		{EntityID: "e1", ProductID: "p"},
		{EntityID: "e2", ProductID: "p"},
		{EntityID: "e3", ProductID: "p"},
	}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Count(FetchDone))
	assert.Equal(t, 1, report.Count(FetchFailed))
	assert.Equal(t, 1, report.Count(FetchSkippedNoFilename))

	for _, o := range report.Outcomes() {
		if o.State == FetchFailed {
			assert.Error(t, o.Err)
		}
	}
}

func TestDownloadScenesSubmitFailureAborts(t *testing.T) {
	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, _ usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			return nil, errors.New("service unavailable")
		},
	}

	d := NewDownloader(catalog, NewGate(1), time.Second, time.Minute)

	_, err := d.DownloadScenes(context.Background(), []usgs.Download{{EntityID: "e", ProductID: "p"}}, t.TempDir())
	require.Error(t, err)
}

func TestDownloadScenesPollErrorsAreRetried(t *testing.T) {
	srv := fileServer(t)

	catalog := &fakeCatalog{
		submitFn: func(_ context.Context, _ usgs.DownloadRequestPayload) (*usgs.DownloadRequestResult, error) {
			return &usgs.DownloadRequestResult{
				PreparingDownloads: true,
				NewRecords:         []usgs.DownloadID{"1"},
			}, nil
		},
	}

	catalog.retrieveFn = func(_ context.Context, _ string) (*usgs.DownloadRetrieveResult, error) {
		if catalog.retrieveCalls.Load() == 1 {
			return nil, errors.New("transient")
		}

		return &usgs.DownloadRetrieveResult{
			Available: []usgs.ResolvedDownload{{DownloadID: "1", URL: srv.URL + "/a"}},
		}, nil
	}

	d := NewDownloader(catalog, NewGate(1), 10*time.Millisecond, time.Minute)

	report, err := d.DownloadScenes(context.Background(), []usgs.Download{{EntityID: "e", ProductID: "p"}}, t.TempDir())
	require.NoError(t, err)

	assert.EqualValues(t, 2, catalog.retrieveCalls.Load())
	assert.Equal(t, 1, report.Count(FetchDone))
}

func TestFilenameFromDisposition(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"plain", "attachment; filename=scene.tar.gz", "scene.tar.gz", true},
		{"quoted", `attachment; filename="scene.tar.gz"`, "scene.tar.gz", true},
		{"missing", "attachment", "", false},
		{"empty header", "", "", false},
		{"empty value", `attachment; filename=""`, "", false},
		{"path stripped", `attachment; filename="/etc/passwd"`, "passwd", true},
		{"dotdot stripped", `attachment; filename=../../x.tar`, "x.tar", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := filenameFromDisposition(tc.header)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewLabelUnique(t *testing.T) {
	seen := make(map[string]struct{})

	var mu sync.Mutex

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			l := newLabel()

			mu.Lock()
			seen[l] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, seen, 50)
}
