// Package testutil provides test utilities including a mock tracker server.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/issuefs/issuefs/internal/tracker"
)

// MockTracker simulates the tracker REST API over an in-memory issue set.
// Search matches every issue whose updated stamp passes the composed
// query's cursor clause; the base query text itself is not interpreted.
type MockTracker struct {
	Server *httptest.Server

	mu       sync.RWMutex
	issues   map[string]*tracker.Issue
	pageSize int

	// Failure injection
	failSearch   int // remaining search calls to fail with 500
	failGet      int // remaining issue fetches to fail with 500
	rateLimit    int // remaining calls to fail with 429
	retryAfter   string
	searchCalls  int
	getCalls     map[string]int
	lastSearches []string
}

func NewMockTracker() *MockTracker {
	m := &MockTracker{
		issues:   make(map[string]*tracker.Issue),
		getCalls: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *MockTracker) URL() string {
	return m.Server.URL
}

func (m *MockTracker) Close() {
	m.Server.Close()
}

// AddIssue installs or replaces an issue.
func (m *MockTracker) AddIssue(issue *tracker.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[issue.Key] = issue
}

// FailSearches makes the next n search calls return HTTP 500.
func (m *MockTracker) FailSearches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSearch = n
}

// FailGets makes the next n issue fetches return HTTP 500.
func (m *MockTracker) FailGets(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = n
}

// RateLimit makes the next n calls return HTTP 429 with the given
// Retry-After header value.
func (m *MockTracker) RateLimit(n int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimit = n
	m.retryAfter = retryAfter
}

// SearchCalls returns how many search requests arrived.
func (m *MockTracker) SearchCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.searchCalls
}

// GetCalls returns how many fetches arrived for one issue key.
func (m *MockTracker) GetCalls(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalls[key]
}

// LastSearchQuery returns the most recent search query string.
func (m *MockTracker) LastSearchQuery() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.lastSearches) == 0 {
		return ""
	}
	return m.lastSearches[len(m.lastSearches)-1]
}

func (m *MockTracker) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.rateLimit > 0 {
		m.rateLimit--
		ra := m.retryAfter
		m.mu.Unlock()
		if ra != "" {
			w.Header().Set("Retry-After", ra)
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	m.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/search":
		m.handleSearch(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/search/validate":
		m.handleValidate(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/issues/"):
		m.handleGet(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockTracker) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string `json:"query"`
		Cursor string `json:"cursor"`
		Limit  int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.searchCalls++
	m.lastSearches = append(m.lastSearches, req.Query)
	if m.failSearch > 0 {
		m.failSearch--
		m.mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	refs := make([]tracker.IssueRef, 0, len(m.issues))
	cursor := extractCursor(req.Query)
	for _, issue := range m.issues {
		if !cursor.IsZero() && !issue.UpdatedAt.After(cursor) {
			continue
		}
		refs = append(refs, tracker.IssueRef{Key: issue.Key, Updated: issue.UpdatedAt})
	}
	m.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].Updated.Equal(refs[j].Updated) {
			return refs[i].Updated.After(refs[j].Updated)
		}
		return refs[i].Key < refs[j].Key
	})

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if req.Cursor != "" {
		start, _ = strconv.Atoi(req.Cursor)
	}
	end := start + limit
	if end > len(refs) {
		end = len(refs)
	}
	page := tracker.SearchPage{Issues: refs[start:end]}
	if end < len(refs) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (m *MockTracker) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	resp := map[string]any{"valid": req.Query != "" && !strings.Contains(req.Query, "!!")}
	if !resp["valid"].(bool) {
		resp["error"] = "syntax error"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (m *MockTracker) handleGet(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/issues/")

	m.mu.Lock()
	m.getCalls[key]++
	if m.failGet > 0 {
		m.failGet--
		m.mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	issue, ok := m.issues[key]
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(issue)
}

// extractCursor pulls the cursor timestamp out of a composed incremental
// query (`... AND updated > "<ts>" ...`). Zero when absent.
func extractCursor(query string) time.Time {
	idx := strings.Index(query, `updated > "`)
	if idx == -1 {
		return time.Time{}
	}
	rest := query[idx+len(`updated > "`):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, rest[:end])
	if err != nil {
		return time.Time{}
	}
	return t
}
