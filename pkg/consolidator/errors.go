package consolidator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/canonical"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/evidence"
)

// ErrFinalized is returned by Ingest and Submit after Finalize.
var ErrFinalized = errors.New("consolidator: catalog already finalized")

// StateInvariantError means a merge would have broken a catalog invariant.
// It signals a defect, not bad input, and poisons the consolidator.
type StateInvariantError struct {
	App       string
	Signature string
	Reason    string
}

func (e *StateInvariantError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("invariant violated in %q: %s", e.App, e.Reason)
	}
	return fmt.Sprintf("invariant violated in %q at %q: %s", e.App, e.Signature, e.Reason)
}

// ScanErrors collects per-evidence failures. Counts are exact; only the first
// few errors of each kind are kept as samples.
// Thread-safe: Can be used from multiple goroutines
type ScanErrors struct {
	mu          sync.Mutex
	dropped     int64
	quarantined int64
	other       int64
	samples     []error
	maxSamples  int
}

func NewScanErrors(maxSamples int) *ScanErrors {
	return &ScanErrors{
		samples:    make([]error, 0),
		maxSamples: maxSamples,
	}
}

// Add classifies err and counts it.
func (se *ScanErrors) Add(err error) {
	if err == nil {
		return
	}
	se.mu.Lock()
	defer se.mu.Unlock()

	var adapterErr *evidence.AdapterError
	var malformed *canonical.MalformedInputError
	switch {
	case errors.As(err, &adapterErr):
		se.dropped++
	case errors.As(err, &malformed):
		se.quarantined++
	default:
		se.other++
	}
	if len(se.samples) < se.maxSamples {
		se.samples = append(se.samples, err)
	}
}

func (se *ScanErrors) Dropped() int64 {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.dropped
}

func (se *ScanErrors) Quarantined() int64 {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.quarantined
}

// Count returns the total number of errors seen.
func (se *ScanErrors) Count() int64 {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.dropped + se.quarantined + se.other
}

// Samples returns a copy of the retained errors.
func (se *ScanErrors) Samples() []error {
	se.mu.Lock()
	defer se.mu.Unlock()
	result := make([]error, len(se.samples))
	copy(result, se.samples)
	return result
}

// Summary returns a one-line description for logs and CLI output. accepted
// is the number of items merged alongside the rejected ones.
func (se *ScanErrors) Summary(accepted int64) string {
	se.mu.Lock()
	defer se.mu.Unlock()

	failed := se.dropped + se.quarantined + se.other
	total := accepted + failed
	if failed == 0 {
		return fmt.Sprintf("all %d evidence items accepted", total)
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d/%d evidence items rejected", failed, total))
	sb.WriteString(fmt.Sprintf(" (dropped=%d quarantined=%d", se.dropped, se.quarantined))
	if se.other > 0 {
		sb.WriteString(fmt.Sprintf(" other=%d", se.other))
	}
	sb.WriteString(")")
	return sb.String()
}
