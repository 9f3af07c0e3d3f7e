package observability

import (
	"strconv"
	"sync"
	"time"
)

// Outcome labels a token lifecycle result.
type Outcome string

const (
	OutcomeIssued       Outcome = "issued"
	OutcomeValidated    Outcome = "validated"
	OutcomeRejected     Outcome = "rejected"
	OutcomeRotated      Outcome = "rotated"
	OutcomeRevoked      Outcome = "revoked"
	OutcomeStoreFailure Outcome = "store_failure"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu           sync.Mutex
	requestCount map[string]int64
	requestTime  map[string]time.Duration
	errorCount   map[string]int64
	outcomeCount map[string]int64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Requests        map[string]int64 `json:"requests"`
	RequestMillis   map[string]int64 `json:"request_millis"`
	Errors          map[string]int64 `json:"errors"`
	TokenOperations map[string]int64 `json:"token_operations"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		requestTime:  make(map[string]time.Duration),
		errorCount:   make(map[string]int64),
		outcomeCount: make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
	m.requestTime[key] += duration
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordOutcome counts one token lifecycle operation result.
func (m *Metrics) RecordOutcome(operation string, outcome Outcome) {
	if m == nil {
		return
	}
	key := operation + "|" + string(outcome)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomeCount[key]++
}

// Outcomes returns the count for one operation and outcome.
func (m *Metrics) Outcomes(operation string, outcome Outcome) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomeCount[operation+"|"+string(outcome)]
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Requests:        map[string]int64{},
		RequestMillis:   map[string]int64{},
		Errors:          map[string]int64{},
		TokenOperations: map[string]int64{},
	}
	if m == nil {
		return snap
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.requestCount {
		snap.Requests[k] = v
	}
	for k, v := range m.requestTime {
		snap.RequestMillis[k] = v.Milliseconds()
	}
	for k, v := range m.errorCount {
		snap.Errors[k] = v
	}
	for k, v := range m.outcomeCount {
		snap.TokenOperations[k] = v
	}
	return snap
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
