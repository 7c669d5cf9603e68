package transfer

import (
	"fmt"

	"github.com/italolelis/sftp_sync/internal/storage"
)

// ItemState is the lifecycle of one manifest file within a session.
type ItemState int

const (
	StatePending ItemState = iota
	StateInProgress
	StateRetrying
	StateDone
	StateFailed
)

func (s ItemState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemResult is the outcome of one file attempted in this run.
type ItemResult struct {
	Path     string
	State    ItemState
	Attempts int
	Bytes    int64
	Err      error
}

// Line renders the result the way it is shown to users.
func (r ItemResult) Line() string {
	if r.State == StateDone {
		return "✅ " + r.Path
	}

	return fmt.Sprintf("❌ %s: %v", r.Path, r.Err)
}

// Report is the observable output of a session: one result per file attempted in this run, in
// manifest order, followed by a summary.
type Report struct {
	Direction storage.Direction
	Root      string
	// Total is the number of files in the manifest.
	Total int
	// Completed counts manifest files recorded as done, including those from earlier runs.
	Completed int
	Items     []ItemResult
	// Skipped lists source subtrees that could not be enumerated. Their files are not part of Total,
	// so a session with skips is never complete.
	Skipped []string
	// Warnings carries non-fatal problems such as skipped subtrees and directories that could not
	// be created.
	Warnings []string
}

// Failed returns the number of files that exhausted their attempts.
func (r *Report) Failed() int {
	n := 0

	for _, item := range r.Items {
		if item.State == StateFailed {
			n++
		}
	}

	return n
}

// OK reports whether every manifest file is done and nothing was left out of the manifest.
func (r *Report) OK() bool {
	return r.Completed == r.Total && r.Failed() == 0 && len(r.Skipped) == 0
}

// Summary renders the closing line of the report.
func (r *Report) Summary() string {
	if r.OK() {
		return fmt.Sprintf("✅ complete: %d files", r.Total)
	}

	summary := fmt.Sprintf("❌ incomplete: %d of %d files, %d failed", r.Completed, r.Total, r.Failed())
	if len(r.Skipped) > 0 {
		summary += fmt.Sprintf(", %d skipped", len(r.Skipped))
	}

	return summary
}

// Lines renders every item line, then the warnings, then the summary.
func (r *Report) Lines() []string {
	lines := make([]string, 0, len(r.Items)+len(r.Warnings)+1)

	for _, item := range r.Items {
		lines = append(lines, item.Line())
	}

	for _, w := range r.Warnings {
		lines = append(lines, "⚠️ "+w)
	}

	return append(lines, r.Summary())
}

// BytesTransferred sums the bytes moved by this run.
func (r *Report) BytesTransferred() int64 {
	var n int64

	for _, item := range r.Items {
		n += item.Bytes
	}

	return n
}
