package mcpserver

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ratchetd/ratchet/internal/domain"
)

// batchRun holds the mutable state of one Execute call.
type batchRun struct {
	exec *BatchExecutor
	reqs []BatchRequest
	opts BatchOptions

	mu          sync.Mutex
	results     map[string]*ItemResult
	executing   map[string]struct{}
	completed   int
	runnable    int
	inFlightMax int
}

func newBatchRun(e *BatchExecutor, reqs []BatchRequest, opts BatchOptions) *batchRun {
	return &batchRun{
		exec:      e,
		reqs:      reqs,
		opts:      opts,
		results:   make(map[string]*ItemResult, len(reqs)),
		executing: make(map[string]struct{}, len(reqs)),
		runnable:  len(reqs),
	}
}

func (r *batchRun) maxParallel() int {
	if r.opts.MaxParallel > 0 {
		return r.opts.MaxParallel
	}
	return r.exec.maxParallel
}

func (r *batchRun) itemTimeout(req BatchRequest) time.Duration {
	// Per-request wins over batch-level, which wins over the executor
	// default.
	if req.TimeoutMS != nil {
		return time.Duration(*req.TimeoutMS) * time.Millisecond
	}
	if r.opts.ItemTimeoutMS != nil {
		return time.Duration(*r.opts.ItemTimeoutMS) * time.Millisecond
	}
	return r.exec.defaultTimeout
}

// runOne executes a single request and records its result.
func (r *batchRun) runOne(ctx context.Context, req BatchRequest) *ItemResult {
	r.mu.Lock()
	r.executing[req.ID] = struct{}{}
	if n := len(r.executing); n > r.inFlightMax {
		r.inFlightMax = n
	}
	r.mu.Unlock()

	itemCtx, cancel := context.WithTimeout(ctx, r.itemTimeout(req))
	start := time.Now()
	out, err := r.exec.handler(itemCtx, req.Method, req.Params)
	elapsed := time.Since(start).Milliseconds()
	cancel()

	result := &ItemResult{ID: req.ID, DurationMS: elapsed}
	switch {
	case err == nil:
		result.Status = StatusCompleted
		result.Result = out
	case itemCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.Status = StatusFailed
		result.Error = &ItemError{Code: -32000, Message: "request timed out"}
	default:
		result.Status = StatusFailed
		result.Error = &ItemError{Code: -32000, Message: err.Error()}
	}

	r.mu.Lock()
	delete(r.executing, req.ID)
	r.results[req.ID] = result
	r.completed++
	r.mu.Unlock()

	r.notifyProgress()
	return result
}

func (r *batchRun) notifyProgress() {
	if r.opts.CorrelationToken == "" || r.opts.OnProgress == nil {
		return
	}
	r.mu.Lock()
	executing := make([]string, 0, len(r.executing))
	for id := range r.executing {
		executing = append(executing, id)
	}
	completed := r.completed
	r.mu.Unlock()
	sort.Strings(executing)

	r.opts.OnProgress(Progress{
		CorrelationToken: r.opts.CorrelationToken,
		Completed:        completed,
		Total:            len(r.reqs),
		Executing:        executing,
		Timestamp:        time.Now().UTC(),
	})
}

func (r *batchRun) skip(id string) {
	r.mu.Lock()
	r.results[id] = &ItemResult{ID: id, Status: StatusSkipped}
	r.mu.Unlock()
}

// parallel fires every request under the parallelism gate, ignoring
// dependencies.
func (r *batchRun) parallel(ctx context.Context) error {
	gate := make(chan struct{}, r.maxParallel())
	var wg sync.WaitGroup

	for _, req := range r.reqs {
		wg.Add(1)
		go func(req BatchRequest) {
			defer wg.Done()
			gate <- struct{}{}
			defer func() { <-gate }()
			r.runOne(ctx, req)
		}(req)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		<-done // handlers observe the cancelled context and return
		return domain.Wrap(domain.KindTimeout, ctx.Err(), "batch timed out")
	}
}

// sequential runs requests in input order; with stop_on_error a failure
// marks everything after it Skipped.
func (r *batchRun) sequential(ctx context.Context) error {
	for i, req := range r.reqs {
		if ctx.Err() != nil {
			return domain.Wrap(domain.KindTimeout, ctx.Err(), "batch timed out")
		}
		result := r.runOne(ctx, req)
		if result.Status == StatusFailed && r.opts.StopOnError {
			for _, rest := range r.reqs[i+1:] {
				r.skip(rest.ID)
			}
			return nil
		}
	}
	return nil
}

// readyQueue orders runnable requests: FIFO normally, max-heap on
// priority (FIFO ties) in priority mode.
type readyQueue struct {
	prioritised bool
	seq         int
	items       []readyItem
}

type readyItem struct {
	req BatchRequest
	seq int
}

func (q *readyQueue) Len() int { return len(q.items) }
func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.prioritised && a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	return a.seq < b.seq
}
func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *readyQueue) Push(x any)    { q.items = append(q.items, x.(readyItem)) }
func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

func (q *readyQueue) add(req BatchRequest) {
	heap.Push(q, readyItem{req: req, seq: q.seq})
	q.seq++
}

func (q *readyQueue) next() (BatchRequest, bool) {
	if q.Len() == 0 {
		return BatchRequest{}, false
	}
	return heap.Pop(q).(readyItem).req, true
}

// dependency runs a Kahn-style schedule: a request becomes ready when
// all its dependencies completed, successful or not. stop_on_error skips
// everything not yet started after the first failure.
func (r *batchRun) dependency(ctx context.Context, prioritised bool) error {
	type node struct {
		req        BatchRequest
		remaining  int
		dependents []string
	}
	nodes := make(map[string]*node, len(r.reqs))
	for _, req := range r.reqs {
		nodes[req.ID] = &node{req: req, remaining: len(req.Dependencies)}
	}
	for _, req := range r.reqs {
		for _, dep := range req.Dependencies {
			nodes[dep].dependents = append(nodes[dep].dependents, req.ID)
		}
	}

	ready := &readyQueue{prioritised: prioritised}
	heap.Init(ready)
	for _, req := range r.reqs {
		if len(req.Dependencies) == 0 {
			ready.add(req)
		}
	}

	type doneMsg struct {
		id     string
		failed bool
	}
	done := make(chan doneMsg)
	inFlight := 0
	launched := make(map[string]struct{}, len(r.reqs))
	finished := 0
	aborted := false

	launch := func(req BatchRequest) {
		launched[req.ID] = struct{}{}
		inFlight++
		go func() {
			result := r.runOne(ctx, req)
			done <- doneMsg{id: req.ID, failed: result.Status == StatusFailed}
		}()
	}

	for finished < len(r.reqs) {
		for !aborted && inFlight < r.maxParallel() {
			req, ok := ready.next()
			if !ok {
				break
			}
			launch(req)
		}

		if inFlight == 0 {
			// Nothing running and nothing ready: everything left was
			// skipped or unreachable.
			break
		}

		select {
		case msg := <-done:
			inFlight--
			finished++

			if msg.failed && r.opts.StopOnError && !aborted {
				aborted = true
			}
			for _, depID := range nodes[msg.id].dependents {
				dep := nodes[depID]
				dep.remaining--
				if dep.remaining == 0 && !aborted {
					ready.add(dep.req)
				}
			}
		case <-ctx.Done():
			// Batch-level timeout subsumes per-item progress.
			for inFlight > 0 {
				<-done
				inFlight--
			}
			return domain.Wrap(domain.KindTimeout, ctx.Err(), "batch timed out")
		}
	}

	// Anything never launched is Skipped.
	for _, req := range r.reqs {
		if _, ran := launched[req.ID]; !ran {
			r.skip(req.ID)
		}
	}
	return nil
}

// collect assembles results in input order, mapping dedup aliases onto
// their canonical results, and computes stats.
func (r *batchRun) collect(original []BatchRequest, aliases map[string]string, elapsed time.Duration) *BatchResult {
	out := &BatchResult{Results: make([]ItemResult, 0, len(original))}
	var durationSum int64

	for _, req := range original {
		id := req.ID
		lookup := id
		if canonical, ok := aliases[id]; ok {
			lookup = canonical
		}
		result := r.results[lookup]
		if result == nil {
			result = &ItemResult{ID: lookup, Status: StatusSkipped}
		}
		copied := *result
		copied.ID = id
		out.Results = append(out.Results, copied)

		switch copied.Status {
		case StatusCompleted:
			out.Stats.Successful++
		case StatusFailed:
			out.Stats.Failed++
		default:
			out.Stats.Skipped++
		}
		durationSum += copied.DurationMS
	}

	out.Stats.Total = len(original)
	out.Stats.TotalTimeMS = elapsed.Milliseconds()
	if out.Stats.Total > 0 {
		out.Stats.AvgTimeMS = float64(durationSum) / float64(out.Stats.Total)
	}
	out.Stats.MaxParallelExecuted = r.inFlightMax
	return out
}
