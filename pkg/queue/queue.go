// Package queue implements the persistent job queue backing the background workers.
//
// Jobs
//
// A job is a command name plus a JSON-encoded argument list, stored in MariaDB.
// Jobs carry a priority class; lower numeric values run first.
// Identical unclaimed jobs are deduplicated at enqueue time, so re-posting the
// same work while it is still waiting is a cheap no-op.
//
// Claiming
//
// Executor processes claim jobs by stamping their OS pid into the row.
// The pending-to-inflight transition is a single conditional UPDATE guarded by
// `pid = 0 AND NOT done`, so no job can ever be handed to two executors,
// no matter how many processes race on the same table.
//
// While a job runs, its executor refreshes the `executed` column as a heart
// beat. A job whose pid is dead, or whose heart beat is older than its
// priority's runtime budget, is taken back by the reaper.
//
// Completed rows are kept for a grace period and then purged.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority classes of the work queue. Lower values are more urgent.
const (
	PriorityCritical   Priority = 10
	PriorityHigh       Priority = 20
	PriorityMedium     Priority = 30
	PriorityLow        Priority = 40
	PriorityNegligible Priority = 50
)

// Priority is the urgency class of a job.
type Priority int

// Valid returns whether p is one of the defined priority classes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityNegligible:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityNegligible:
		return "negligible"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Demoted returns the next lower priority class,
// used when a job got killed for exceeding its runtime budget.
// Critical jobs are never demoted, negligible is terminal.
func (p Priority) Demoted() Priority {
	switch p {
	case PriorityCritical:
		return PriorityCritical
	case PriorityHigh:
		return PriorityMedium
	case PriorityMedium:
		return PriorityLow
	default:
		return PriorityNegligible
	}
}

// NullTime is the sentinel for "never" timestamps (unclaimed, not deferred).
var NullTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// Job is one row of the work queue.
type Job struct {
	ID        int64     `db:"id"`
	Command   string    `db:"command"`
	Parameter string    `db:"parameter"` // JSON argument list
	Priority  Priority  `db:"priority"`
	Created   time.Time `db:"created"`
	PID       int       `db:"pid"`
	Executed  time.Time `db:"executed"`
	NextTry   time.Time `db:"next_try"`
	Retrial   int       `db:"retrial"`
	Done      bool      `db:"done"`
}

// Args decodes the JSON argument list of the job.
func (j *Job) Args() ([]string, error) {
	if j.Parameter == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(j.Parameter), &args); err != nil {
		return nil, fmt.Errorf("invalid job parameter: %w", err)
	}
	return args, nil
}

// JobSpec holds the enqueue options of a job.
// The zero value means "medium priority, created now, scheduler decides".
type JobSpec struct {
	Priority      Priority
	CreatedAt     time.Time // enqueue time, defaults to now
	Delayed       time.Time // earliest execution time, defaults to immediately
	DontFork      bool      // don't force-spawn a worker process for this job
	ForcePriority bool      // raise the priority of an already queued duplicate
}

// EncodeArgs encodes an argument list the way Add stores it.
func EncodeArgs(args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	buf, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode job arguments: %w", err)
	}
	return string(buf), nil
}
