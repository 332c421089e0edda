package constants

// JobStatus is the derived aggregate status of a row in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued    JobStatus = "queued"    // no item picked up yet
	JobStatusRunning   JobStatus = "running"   // at least one item left queued, not all terminal
	JobStatusCompleted JobStatus = "completed" // done == total
)

// ItemState is the state of a single lookup in job_items.
type ItemState string

const (
	ItemQueued     ItemState = "queued"
	ItemProcessing ItemState = "processing"
	ItemRetry      ItemState = "retry"
	ItemDone       ItemState = "done"
	ItemError      ItemState = "error"
)

// Terminal reports whether no further transition is possible.
func (s ItemState) Terminal() bool {
	return s == ItemDone || s == ItemError
}

// Pending reports whether the item is waiting to be picked up by the worker.
func (s ItemState) Pending() bool {
	return s == ItemQueued || s == ItemRetry
}

// RowSource tells the client which path produced a result row.
type RowSource string

const (
	SourceInput RowSource = "input" // rejected before reaching a lane
	SourceCache RowSource = "cache"
	SourceFast  RowSource = "fast"
	SourceSlow  RowSource = "slow"
)
