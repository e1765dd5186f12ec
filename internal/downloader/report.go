package downloader

import (
	"sync"

	"github.com/italolelis/theia/internal/usgs"
)

// FetchState is the terminal state of one file fetch.
type FetchState string

const (
	// FetchDone means the file was written to the target directory.
	FetchDone FetchState = "done"
	// FetchFailed means the fetch hit a network, header or disk error.
	// Failures are isolated per file and never abort the batch.
	FetchFailed FetchState = "failed"
	// FetchSkippedNoFilename means the response carried no
	// content-disposition filename, so nothing was written.
	FetchSkippedNoFilename FetchState = "skipped_no_filename"
)

// FetchOutcome records how one resolved download ended.
type FetchOutcome struct {
	DownloadID usgs.DownloadID
	URL        string
	Filename   string
	State      FetchState
	Err        error
}

// Report collects the per-file outcomes of one download call. Safe for
// concurrent appends from fetch workers.
type Report struct {
	mu       sync.Mutex
	outcomes []FetchOutcome
}

func (r *Report) add(o FetchOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, o)
}

// Outcomes returns a copy of the recorded outcomes.
func (r *Report) Outcomes() []FetchOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]FetchOutcome, len(r.outcomes))
	copy(out, r.outcomes)

	return out
}

// Len returns how many fetches were recorded.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.outcomes)
}

// Count returns how many fetches ended in the given state.
func (r *Report) Count(state FetchState) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, o := range r.outcomes {
		if o.State == state {
			n++
		}
	}

	return n
}
