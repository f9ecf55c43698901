package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContextMiddleware(t *testing.T) {
	var buf bytes.Buffer
	router := mux.NewRouter()
	router.Use(RequestContextMiddleware(NewLogger(DebugLevel, &buf)))
	router.HandleFunc("/work", func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info("handling")
		w.WriteHeader(http.StatusAccepted)
	})

	lines := func(t *testing.T) []map[string]any {
		t.Helper()
		var out []map[string]any
		sc := bufio.NewScanner(&buf)
		for sc.Scan() {
			var entry map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
			out = append(out, entry)
		}
		return out
	}

	t.Run("caller supplied id", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodPost, "/work", nil)
		req.Header.Set(RequestIDHeader, "req-abc")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "req-abc", rec.Header().Get(RequestIDHeader))
		entries := lines(t)
		require.Len(t, entries, 2)
		assert.Equal(t, "handling", entries[0]["msg"])
		assert.Equal(t, "req-abc", entries[0]["request_id"])
		assert.Equal(t, "ops request served", entries[1]["msg"])
		assert.Equal(t, float64(http.StatusAccepted), entries[1]["status"])
		assert.Equal(t, "/work", entries[1]["path"])
	})

	t.Run("generated id", func(t *testing.T) {
		buf.Reset()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/work", nil))

		id := rec.Header().Get(RequestIDHeader)
		require.Len(t, id, 36)
		entries := lines(t)
		require.NotEmpty(t, entries)
		assert.Equal(t, id, entries[0]["request_id"])
	})
}
