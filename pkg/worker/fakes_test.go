package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.arbor.social/arbor/pkg/queue"
)

// fakeQueue is an in-memory job store with the same claim semantics as the
// MariaDB store.
type fakeQueue struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*queue.Job
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[int64]*queue.Job)}
}

func (q *fakeQueue) Add(_ context.Context, spec queue.JobSpec, command string, args ...string) (bool, error) {
	parameter, err := queue.EncodeArgs(args)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.Command == command && job.Parameter == parameter && !job.Done {
			if spec.ForcePriority && job.PID == 0 {
				job.Priority = spec.Priority
			}
			return false, nil
		}
	}
	priority := spec.Priority
	if !priority.Valid() {
		priority = queue.PriorityMedium
	}
	created := spec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	delayed := spec.Delayed
	if delayed.IsZero() {
		delayed = queue.NullTime
	}
	q.nextID++
	q.jobs[q.nextID] = &queue.Job{
		ID:        q.nextID,
		Command:   command,
		Parameter: parameter,
		Priority:  priority,
		Created:   created,
		Executed:  queue.NullTime,
		NextTry:   delayed,
	}
	return true, nil
}

func (q *fakeQueue) pending(job *queue.Job) bool {
	return !job.Done && job.PID == 0 && job.NextTry.Before(time.Now().UTC())
}

func (q *fakeQueue) HasPending(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if q.pending(job) {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) CountPending(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, job := range q.jobs {
		if !job.Done && job.PID == 0 {
			count++
		}
	}
	return count, nil
}

func (q *fakeQueue) CountDeferred(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, job := range q.jobs {
		if !job.Done && job.PID == 0 && job.Retrial > 0 {
			count++
		}
	}
	return count, nil
}

func (q *fakeQueue) HighestPendingPriority(ctx context.Context) (queue.Priority, bool, error) {
	priorities, err := q.PendingPriorities(ctx)
	if err != nil || len(priorities) == 0 {
		return 0, false, err
	}
	return priorities[0], true, nil
}

func (q *fakeQueue) PendingPriorities(context.Context) ([]queue.Priority, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[queue.Priority]bool)
	var priorities []queue.Priority
	for _, job := range q.jobs {
		if q.pending(job) && !seen[job.Priority] {
			seen[job.Priority] = true
			priorities = append(priorities, job.Priority)
		}
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })
	return priorities, nil
}

func (q *fakeQueue) RunningAtOrAbove(_ context.Context, priority queue.Priority) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.Priority <= priority && job.PID != 0 && !job.Done {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) RunningByPriority(context.Context) (map[queue.Priority]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pids := make(map[queue.Priority]map[int]bool)
	for _, job := range q.jobs {
		if job.PID != 0 && !job.Done {
			if pids[job.Priority] == nil {
				pids[job.Priority] = make(map[int]bool)
			}
			pids[job.Priority][job.PID] = true
		}
	}
	running := make(map[queue.Priority]int)
	for priority, set := range pids {
		running[priority] = len(set)
	}
	return running, nil
}

func (q *fakeQueue) SelectCandidates(_ context.Context, limit int, filter queue.PriorityFilter) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Job
	for _, job := range q.jobs {
		if !q.pending(job) {
			continue
		}
		if filter.Exact != 0 && job.Priority != filter.Exact {
			continue
		}
		out = append(out, *job)
	}
	sortJobs(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeQueue) Claim(_ context.Context, pid int, ids []int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var claimed int64
	for _, id := range ids {
		job, ok := q.jobs[id]
		if ok && job.PID == 0 && !job.Done {
			job.PID = pid
			job.Executed = time.Now().UTC()
			claimed++
		}
	}
	return claimed, nil
}

func (q *fakeQueue) JobsForPID(_ context.Context, pid int) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Job
	for _, job := range q.jobs {
		if job.PID == pid && !job.Done {
			out = append(out, *job)
		}
	}
	sortJobs(out)
	return out, nil
}

func (q *fakeQueue) InFlight(context.Context) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Job
	for _, job := range q.jobs {
		if job.PID != 0 && !job.Done {
			out = append(out, *job)
		}
	}
	sortJobs(out)
	return out, nil
}

func (q *fakeQueue) Heartbeat(_ context.Context, pid int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.PID == pid && !job.Done {
			job.Executed = time.Now().UTC()
		}
	}
	return nil
}

func (q *fakeQueue) MarkDone(_ context.Context, id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || !job.NextTry.Before(time.Now().UTC()) {
		return false, nil
	}
	job.Done = true
	return true, nil
}

func (q *fakeQueue) Delete(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	return nil
}

func (q *fakeQueue) Reset(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok {
		job.PID = 0
		job.Executed = queue.NullTime
	}
	return nil
}

func (q *fakeQueue) RequeueFront(_ context.Context, id int64, priority queue.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok {
		job.PID = 0
		job.Executed = queue.NullTime
		job.Created = time.Now().UTC()
		job.Priority = priority
	}
	return nil
}

func (q *fakeQueue) Unclaim(_ context.Context, pid int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.PID == pid && !job.Done {
			job.PID = 0
			job.Executed = queue.NullTime
		}
	}
	return nil
}

func (q *fakeQueue) Defer(_ context.Context, id int64, retrial int, nextTry time.Time, priority queue.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok {
		job.Retrial = retrial
		job.NextTry = nextTry
		job.PID = 0
		job.Executed = queue.NullTime
		job.Priority = priority
	}
	return nil
}

func (q *fakeQueue) job(id int64) (queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return queue.Job{}, false
	}
	return *job, true
}

func sortJobs(jobs []queue.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Retrial != b.Retrial {
			return a.Retrial < b.Retrial
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
}

type fakeProcesses struct {
	mu   sync.Mutex
	pids map[int]string
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{pids: make(map[int]string)}
}

func (p *fakeProcesses) Register(_ context.Context, pid int, command string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pids[pid] = command
	return nil
}

func (p *fakeProcesses) Deregister(_ context.Context, pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pids, pid)
	return nil
}

func (p *fakeProcesses) CountByCommand(_ context.Context, command string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, cmd := range p.pids {
		if cmd == command {
			count++
		}
	}
	return count, nil
}

// fakeLocks always grants, single-process tests have no contention.
type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (l *fakeLocks) TryAcquire(_ context.Context, name string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[name] = true
	return true, nil
}

func (l *fakeLocks) Acquire(ctx context.Context, name string, _, ttl time.Duration) error {
	_, err := l.TryAcquire(ctx, name, ttl)
	return err
}

func (l *fakeLocks) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

type fakeGates struct {
	load      float64
	loadKnown bool
	ceiling   float64
	memOK     bool
	connOK    bool
	dbProcOK  bool
}

func newFakeGates() *fakeGates {
	return &fakeGates{loadKnown: true, ceiling: 20, memOK: true, connOK: true, dbProcOK: true}
}

func (g *fakeGates) CurrentLoad() (float64, bool)       { return g.load, g.loadKnown }
func (g *fakeGates) LoadCeiling() float64               { return g.ceiling }
func (g *fakeGates) LoadOK() bool                       { return !g.loadKnown || g.load < g.ceiling }
func (g *fakeGates) MemoryOK() bool                     { return g.memOK }
func (g *fakeGates) ConnectionsOK(context.Context) bool { return g.connOK }
func (g *fakeGates) DBProcessesOK(context.Context) bool { return g.dbProcOK }

type fakeKV struct {
	mu    sync.Mutex
	times map[string]time.Time
	bools map[string]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{times: make(map[string]time.Time), bools: make(map[string]bool)}
}

func (kv *fakeKV) GetTime(_ context.Context, scope, key string) (time.Time, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.times[scope+"."+key], nil
}

func (kv *fakeKV) SetTime(_ context.Context, scope, key string, value time.Time) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.times[scope+"."+key] = value
	return nil
}

func (kv *fakeKV) GetBool(_ context.Context, scope, key string, fallback bool) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if value, ok := kv.bools[scope+"."+key]; ok {
		return value, nil
	}
	return fallback, nil
}

func (kv *fakeKV) SetBool(_ context.Context, scope, key string, value bool) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.bools[scope+"."+key] = value
	return nil
}

type fakeProber struct {
	mu         sync.Mutex
	alive      map[int]bool
	terminated []int
}

func newFakeProber() *fakeProber {
	return &fakeProber{alive: make(map[int]bool)}
}

func (p *fakeProber) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProber) Terminate(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, pid)
	return nil
}
