package chi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gochi "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/liveq-db/liveq"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store, err := liveq.Open()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)

	r := gochi.NewRouter()
	NewServer(store, zap.NewNop()).Routes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestServer_RecordLifecycle(t *testing.T) {
	h := newTestRouter(t)

	rr := doJSON(t, h, "POST", "/v1/tables/todos/records", map[string]any{"title": "wash car", "done": false})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: got %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body)
	}
	id := decode[map[string]int64](t, rr)["id"]

	rr = doJSON(t, h, "GET", fmt.Sprintf("/v1/tables/todos/records/%d", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: got %d, want %d", rr.Code, http.StatusOK)
	}
	rec := decode[liveq.Record](t, rr)
	if rec.ID != id || rec.Data["title"] != "wash car" {
		t.Errorf("get: got %+v", rec)
	}

	rr = doJSON(t, h, "PUT", fmt.Sprintf("/v1/tables/todos/records/%d", id),
		map[string]any{"title": "wash car", "done": true})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("update: got %d, want %d", rr.Code, http.StatusNoContent)
	}

	rr = doJSON(t, h, "DELETE", fmt.Sprintf("/v1/tables/todos/records/%d", id), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d, want %d", rr.Code, http.StatusNoContent)
	}

	rr = doJSON(t, h, "GET", fmt.Sprintf("/v1/tables/todos/records/%d", id), nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestServer_Query(t *testing.T) {
	h := newTestRouter(t)

	payloads := []map[string]any{
		{"title": "wash car", "priority": 3, "done": false},
		{"title": "file taxes", "priority": 9, "done": false},
		{"title": "walk dog", "priority": 7, "done": true},
	}
	rr := doJSON(t, h, "POST", "/v1/tables/todos/records/bulk", payloads)
	if rr.Code != http.StatusCreated {
		t.Fatalf("bulk add: got %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body)
	}

	rr = doJSON(t, h, "POST", "/v1/tables/todos/query", queryRequest{
		Filter: map[string]any{"priority": map[string]any{"$gte": 5}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("query many: got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body)
	}
	many := decode[struct {
		Records []liveq.Record `json:"records"`
		Count   int            `json:"count"`
	}](t, rr)
	if many.Count != 2 {
		t.Errorf("query many: got %d records, want 2", many.Count)
	}

	rr = doJSON(t, h, "POST", "/v1/tables/todos/query", queryRequest{
		Mode:       "first",
		Filter:     map[string]any{"done": false},
		Projection: map[string]any{"title": true},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("query first: got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body)
	}
	first := decode[liveq.Record](t, rr)
	if first.Data["title"] != "wash car" {
		t.Errorf("query first: got %+v", first.Data)
	}
	if _, ok := first.Data["priority"]; ok {
		t.Errorf("projection leaked field: %+v", first.Data)
	}

	rr = doJSON(t, h, "POST", "/v1/tables/todos/query", queryRequest{
		Mode:   "last",
		Filter: map[string]any{"done": false},
	})
	last := decode[liveq.Record](t, rr)
	if last.Data["title"] != "file taxes" {
		t.Errorf("query last: got %+v", last.Data)
	}

	rr = doJSON(t, h, "POST", "/v1/tables/todos/query", queryRequest{
		Mode:   "first",
		Filter: map[string]any{"title": "no such"},
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("query first no match: got %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestServer_QueryInvalidFilter_400(t *testing.T) {
	h := newTestRouter(t)

	rr := doJSON(t, h, "POST", "/v1/tables/todos/query", queryRequest{
		Filter: map[string]any{"$or": []any{map[string]any{"a": 1}}, "b": 2},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want %d: %s", rr.Code, http.StatusBadRequest, rr.Body)
	}
	errResp := decode[errorResponse](t, rr)
	if errResp.Code != codeInvalidFilter {
		t.Errorf("error code: got %s, want %s", errResp.Code, codeInvalidFilter)
	}
}

func TestServer_UpdateWhereAndDeleteWhere(t *testing.T) {
	h := newTestRouter(t)

	payloads := []map[string]any{
		{"kind": "fruit", "name": "apple"},
		{"kind": "fruit", "name": "pear"},
		{"kind": "tool", "name": "hammer"},
	}
	doJSON(t, h, "POST", "/v1/tables/items/records/bulk", payloads)

	rr := doJSON(t, h, "POST", "/v1/tables/items/update-where", map[string]any{
		"filter":  map[string]any{"kind": "fruit"},
		"changes": map[string]any{"fresh": true},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update-where: got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body)
	}
	if got := decode[map[string]int](t, rr)["updated"]; got != 2 {
		t.Errorf("update-where: got %d updated, want 2", got)
	}

	rr = doJSON(t, h, "POST", "/v1/tables/items/delete-where", map[string]any{
		"filter": map[string]any{"kind": "fruit"},
	})
	if got := decode[map[string]int](t, rr)["deleted"]; got != 2 {
		t.Errorf("delete-where: got %d deleted, want 2", got)
	}

	rr = doJSON(t, h, "POST", "/v1/tables/items/query", queryRequest{})
	if got := decode[struct {
		Count int `json:"count"`
	}](t, rr).Count; got != 1 {
		t.Errorf("after delete-where: got %d records, want 1", got)
	}
}

func TestServer_Health(t *testing.T) {
	h := newTestRouter(t)

	rr := doJSON(t, h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: got %d, want %d", rr.Code, http.StatusOK)
	}
}
