package engine

import (
	"sync"
	"time"
)

// RunStatus is the status of one engine run or node visit.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NodeVisit records one visit to a state machine node.
type NodeVisit struct {
	Node      Node          `json:"node"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    RunStatus     `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Trace records the node path of one engine run for a thread. Traces are
// diagnostic only; replay correctness depends on checkpoints, not traces.
type Trace struct {
	RunID     string        `json:"run_id"`
	ThreadID  string        `json:"thread_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    RunStatus     `json:"status"`
	Visits    []*NodeVisit  `json:"visits"`
	Error     string        `json:"error,omitempty"`
	mu        sync.RWMutex
}

// NewTrace starts a trace for one engine run.
func NewTrace(runID, threadID string) *Trace {
	return &Trace{
		RunID:     runID,
		ThreadID:  threadID,
		StartTime: time.Now(),
		Status:    RunStatusRunning,
		Visits:    make([]*NodeVisit, 0),
	}
}

// Enter records entry into a node and returns the open visit.
func (t *Trace) Enter(node Node) *NodeVisit {
	t.mu.Lock()
	defer t.mu.Unlock()

	visit := &NodeVisit{
		Node:      node,
		StartTime: time.Now(),
		Status:    RunStatusRunning,
	}
	t.Visits = append(t.Visits, visit)
	return visit
}

// Leave closes a visit with the node's outcome.
func (t *Trace) Leave(visit *NodeVisit, detail string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	visit.EndTime = time.Now()
	visit.Duration = visit.EndTime.Sub(visit.StartTime)
	visit.Detail = detail
	if err != nil {
		visit.Status = RunStatusFailed
		visit.Error = err.Error()
	} else {
		visit.Status = RunStatusCompleted
	}
}

// Finish closes the trace.
func (t *Trace) Finish(status RunStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.EndTime = time.Now()
	t.Duration = t.EndTime.Sub(t.StartTime)
	t.Status = status
	if err != nil {
		t.Error = err.Error()
	}
}

// Path returns the ordered node names visited so far.
func (t *Trace) Path() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	path := make([]Node, len(t.Visits))
	for i, v := range t.Visits {
		path[i] = v.Node
	}
	return path
}

// TraceStore keeps recent traces in memory for inspection.
type TraceStore struct {
	traces map[string]*Trace
	mu     sync.RWMutex
}

// NewTraceStore creates an empty trace store.
func NewTraceStore() *TraceStore {
	return &TraceStore{traces: make(map[string]*Trace)}
}

// Save stores a trace by run id.
func (s *TraceStore) Save(trace *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[trace.RunID] = trace
}

// Get retrieves a trace by run id.
func (s *TraceStore) Get(runID string) (*Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[runID]
	return t, ok
}

// ListByThread returns every stored trace for a thread.
func (s *TraceStore) ListByThread(threadID string) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Trace
	for _, t := range s.traces {
		if t.ThreadID == threadID {
			result = append(result, t)
		}
	}
	return result
}
