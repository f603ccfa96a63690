package dashboard

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// RequestLog is the record of one rack run as seen by the host.
type RequestLog struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Route     string        `json:"route,omitempty"`
	Status    int           `json:"status"`
	Latency   time.Duration `json:"-"` // encoded as latency_ms
	ClientIP  string        `json:"client_ip"`
	BytesIn   int64         `json:"bytes_in"`
	BytesOut  int64         `json:"bytes_out"`
	Backend   string        `json:"backend,omitempty"`
	Result    string        `json:"result"`
	Passes    int           `json:"passes"`
	Retries   int           `json:"retries"`
	Error     string        `json:"error,omitempty"`
}

// MarshalJSON encodes Latency as fractional milliseconds.
func (l RequestLog) MarshalJSON() ([]byte, error) {
	type plain RequestLog
	return json.Marshal(struct {
		plain
		LatencyMs float64 `json:"latency_ms"`
	}{plain(l), durationMs(l.Latency)})
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Summary aggregates the runs currently held in the store.
type Summary struct {
	Runs         int     `json:"runs"`
	Retries      int     `json:"retries"`
	Synthetic    int     `json:"synthetic"`
	Exhausted    int     `json:"exhausted"`
	Errors       int     `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"` // share of 5xx responses
}

// LogStore is a thread-safe ring buffer for storing recent run logs.
type LogStore struct {
	logs  []RequestLog
	mu    sync.RWMutex
	size  int
	index int
	count int

	// OnAdd is an optional hook fired after a log is stored.
	OnAdd func(log RequestLog)
}

// NewLogStore creates a new LogStore with the specified capacity.
func NewLogStore(capacity int) *LogStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogStore{
		logs: make([]RequestLog, capacity),
		size: capacity,
	}
}

// Add inserts a new log into the ring buffer.
func (s *LogStore) Add(log RequestLog) {
	s.mu.Lock()
	s.logs[s.index] = log
	s.index = (s.index + 1) % s.size
	if s.count < s.size {
		s.count++
	}
	s.mu.Unlock()

	// Fire event hook outside the lock
	if s.OnAdd != nil {
		s.OnAdd(log)
	}
}

// Len returns the number of logs held.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// each walks logs newest to oldest until fn returns false. Caller holds the lock.
func (s *LogStore) each(fn func(RequestLog) bool) {
	startIdx := s.index - 1
	if startIdx < 0 {
		startIdx = s.size - 1
	}
	for i := 0; i < s.count; i++ {
		idx := startIdx - i
		if idx < 0 {
			idx += s.size
		}
		if !fn(s.logs[idx]) {
			return
		}
	}
}

// Recent returns the n most recent logs, ordered newest to oldest.
func (s *LogStore) Recent(n int) []RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > s.count {
		n = s.count
	}
	if n <= 0 {
		return []RequestLog{}
	}

	result := make([]RequestLog, 0, n)
	s.each(func(log RequestLog) bool {
		result = append(result, log)
		return len(result) < n
	})
	return result
}

// GetByID retrieves a specific log by its request ID.
func (s *LogStore) GetByID(id string) (RequestLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found RequestLog
	ok := false
	s.each(func(log RequestLog) bool {
		if log.ID == id {
			found, ok = log, true
			return false
		}
		return true
	})
	return found, ok
}

// Search filters logs by status, path substring and result, returning up to
// limit matches. Zero values disable a filter.
func (s *LogStore) Search(limit int, status int, path string, result string) []RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	if limit > s.count {
		limit = s.count
	}
	if limit == 0 {
		return []RequestLog{}
	}

	out := make([]RequestLog, 0, limit)
	s.each(func(log RequestLog) bool {
		if status > 0 && log.Status != status {
			return true
		}
		if path != "" && !strings.Contains(log.Path, path) {
			return true
		}
		if result != "" && log.Result != result {
			return true
		}
		out = append(out, log)
		return len(out) < limit
	})
	return out
}

// Summary aggregates every log currently in the buffer.
func (s *LogStore) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum Summary
	var latency time.Duration
	var serverErrors int
	s.each(func(log RequestLog) bool {
		sum.Runs++
		sum.Retries += log.Retries
		latency += log.Latency
		switch log.Result {
		case "synthetic":
			sum.Synthetic++
		case "exhausted":
			sum.Exhausted++
		case "error":
			sum.Errors++
		}
		if log.Status >= 500 {
			serverErrors++
		}
		return true
	})

	if sum.Runs > 0 {
		sum.AvgLatencyMs = durationMs(latency) / float64(sum.Runs)
		sum.ErrorRate = float64(serverErrors) / float64(sum.Runs)
	}
	return sum
}
