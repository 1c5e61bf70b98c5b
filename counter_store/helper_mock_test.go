package counter_store

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// mockPostgrest is a minimal PostgREST server keeping counters in memory.
type mockPostgrest struct {
	server *httptest.Server

	mu       sync.Mutex
	rows     map[int64]int64
	requests []*http.Request
	// failStatus, when non-zero, is returned for every request.
	failStatus int
	// voidIncrement makes the increment procedure return no body, like a void function.
	voidIncrement bool
}

// newMockPostgrest starts a mock server; it is closed when the test ends.
func newMockPostgrest(t *testing.T) *mockPostgrest {
	t.Helper()
	m := &mockPostgrest{rows: make(map[int64]int64)}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockPostgrest) seed(id, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = count
}

func (m *mockPostgrest) row(id int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	return n, ok
}

func (m *mockPostgrest) lastRequest() *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// handler serves the table endpoint and the increment RPC.
func (m *mockPostgrest) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, r.Clone(r.Context()))

	if m.failStatus != 0 {
		writeJSON(w, m.failStatus, `{"code":"XX000","message":"injected failure"}`)
		return
	}

	switch {
	case r.URL.Path == "/rest/v1/books" && r.Method == http.MethodGet:
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Query().Get("id"), "eq."), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, `{"code":"PGRST100","message":"bad filter"}`)
			return
		}
		n, ok := m.rows[id]
		if !ok {
			writeJSON(w, http.StatusNotAcceptable, `{"code":"PGRST116","details":"The result contains 0 rows","hint":null,"message":"JSON object requested, multiple (or no) rows returned"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"download_count":`+strconv.FormatInt(n, 10)+`}`)

	case r.URL.Path == "/rest/v1/books" && r.Method == http.MethodPost:
		var rec CounterRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeJSON(w, http.StatusBadRequest, `{"code":"PGRST102","message":"bad body"}`)
			return
		}
		if _, exists := m.rows[int64(rec.ItemID)]; exists {
			writeJSON(w, http.StatusConflict, `{"code":"23505","message":"duplicate key value violates unique constraint"}`)
			return
		}
		m.rows[int64(rec.ItemID)] = rec.Count
		writeJSON(w, http.StatusCreated, `{"download_count":`+strconv.FormatInt(rec.Count, 10)+`}`)

	case r.URL.Path == "/rest/v1/rpc/increment_download_count" && r.Method == http.MethodPost:
		var params map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSON(w, http.StatusBadRequest, `{"code":"PGRST102","message":"bad body"}`)
			return
		}
		id, ok := params["book_id_to_update"]
		if !ok {
			writeJSON(w, http.StatusNotFound, `{"code":"PGRST202","message":"function not found"}`)
			return
		}
		m.rows[id]++
		if m.voidIncrement {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, strconv.FormatInt(m.rows[id], 10))

	default:
		writeJSON(w, http.StatusNotFound, `{"code":"PGRST205","message":"not found"}`)
	}
}
