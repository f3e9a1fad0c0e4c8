// Package httpmock provides a tiny route-spec mock server for component tests.
package httpmock

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// RouteSpec declares one canned response. Longest pattern wins; Regex and
// MatchPrefix change the matching mode.
type RouteSpec struct {
	Pattern     string
	Regex       bool
	Status      int
	Body        string
	Headers     map[string]string
	Delay       time.Duration
	MatchPrefix bool
}

// MockServer serves RouteSpecs and counts hits per pattern so tests can assert
// which paths were (or were not) fetched.
type MockServer struct {
	server  *httptest.Server
	mux     sync.RWMutex
	ordered []*RouteSpec
	hits    map[string]int
}

// NewServer starts a MockServer for the given routes.
func NewServer(routes []RouteSpec) *MockServer {
	ms := &MockServer{hits: make(map[string]int)}
	ms.ordered = make([]*RouteSpec, 0, len(routes))
	for i := range routes {
		r := routes[i]
		if r.Status == 0 {
			r.Status = http.StatusOK
		}
		ms.ordered = append(ms.ordered, &r)
	}
	sort.SliceStable(ms.ordered, func(i, j int) bool { return len(ms.ordered[i].Pattern) > len(ms.ordered[j].Pattern) })
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handle))
	return ms
}

// URL returns the server base URL.
func (m *MockServer) URL() string { return m.server.URL }

// Client returns an HTTP client configured for the server.
func (m *MockServer) Client() *http.Client { return m.server.Client() }

// Close shuts the server down.
func (m *MockServer) Close() { m.server.Close() }

// Hits reports how many requests matched the given pattern.
func (m *MockServer) Hits(pattern string) int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.hits[pattern]
}

// TotalHits reports all handled requests, matched or not.
func (m *MockServer) TotalHits() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	total := 0
	for _, n := range m.hits {
		total += n
	}
	return total
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	m.mux.Lock()
	var matched *RouteSpec
	for _, spec := range m.ordered {
		if spec.Regex {
			if ok, _ := regexp.MatchString(spec.Pattern, path); !ok {
				continue
			}
		} else if spec.MatchPrefix {
			if !strings.HasPrefix(path, spec.Pattern) {
				continue
			}
		} else if !strings.Contains(path, spec.Pattern) {
			continue
		}
		matched = spec
		m.hits[spec.Pattern]++
		break
	}
	if matched == nil {
		m.hits["<unmatched>"]++
	}
	m.mux.Unlock()

	if matched == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
		return
	}
	if matched.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(matched.Delay):
		}
	}
	for k, v := range matched.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(matched.Status)
	_, _ = w.Write([]byte(matched.Body))
}
