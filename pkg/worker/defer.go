package worker

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/queue"
)

// deferDelay returns the wait before retry number retrial runs.
// The polynomial keeps early retries snappy and spreads late ones over days,
// the random term prevents retry stampedes.
func deferDelay(retrial int, intn func(int) int) time.Duration {
	delay := pow4(retrial+2) + (1+intn(30))*retrial
	return time.Duration(delay) * time.Second
}

// nextRetrial picks the retry level of a deferred job.
// A job that sat in the queue long enough to have plausibly burned through
// several levels skips ahead, so re-enqueued old jobs don't hammer dead
// targets at level-zero frequency.
func nextRetrial(job *queue.Job, maxLevel int, now time.Time, intn func(int) int) int {
	age := int(now.Sub(job.Created) / time.Second)
	newRetrial := job.Retrial + 1
	total := 0
	for retrial := 0; retrial <= maxLevel+1; retrial++ {
		total += pow4(retrial+3) + (1+intn(30))*(retrial+1)
		if total < age && retrial > job.Retrial {
			newRetrial = retrial
		}
	}
	return newRetrial
}

// deferPriority decays the priority of a repeatedly failing job.
func deferPriority(priority queue.Priority, retrial int) queue.Priority {
	switch {
	case priority < queue.PriorityMedium && retrial > 3:
		return queue.PriorityMedium
	case priority < queue.PriorityLow && retrial > 6:
		return queue.PriorityLow
	case priority < queue.PriorityNegligible && retrial > 8:
		return queue.PriorityNegligible
	}
	return priority
}

func pow4(n int) int {
	return n * n * n * n
}

// deferJob reschedules a job for a later retry.
// Returns false when the job exceeded the retry ceiling and was given up on.
func (e *Executor) deferJob(ctx context.Context, job *queue.Job) (bool, error) {
	intn := e.intn
	if intn == nil {
		intn = rand.Intn
	}
	newRetrial := nextRetrial(job, e.Options.DeferLimit, time.Now().UTC(), intn)
	if newRetrial > e.Options.DeferLimit {
		e.Log.Warn("Job exceeded the maximum retry count",
			zap.Int64("job.id", job.ID),
			zap.String("job.command", job.Command),
			zap.Int("job.retrial", newRetrial),
			zap.Int("worker.defer_limit", e.Options.DeferLimit))
		return false, nil
	}
	delay := deferDelay(newRetrial, intn)
	nextTry := time.Now().UTC().Add(delay)
	priority := deferPriority(job.Priority, newRetrial)
	e.Log.Info("Deferred job",
		zap.Int64("job.id", job.ID),
		zap.String("job.command", job.Command),
		zap.Int("job.retrial", newRetrial),
		zap.Time("job.next_try", nextTry),
		zap.Stringer("job.priority", priority))
	if err := e.Queue.Defer(ctx, job.ID, newRetrial, nextTry, priority); err != nil {
		return false, err
	}
	return true, nil
}
