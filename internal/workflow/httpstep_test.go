package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunHTTPCustomStepReturnsParsedJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	out, err := runHTTPCustomStep(context.Background(), map[string]any{
		"url":    srv.URL,
		"method": http.MethodPost,
		"body":   map[string]any{"x": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out["status_code"])
	body := out["body"].(map[string]any)
	assert.Equal(t, true, body["ok"])
}

func TestRunHTTPCustomStepRetriesOnTransientFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	out, err := runHTTPCustomStep(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.Equal(t, http.StatusOK, out["status_code"])
}

func TestRunHTTPCustomStepRequiresURL(t *testing.T) {
	_, err := runHTTPCustomStep(context.Background(), map[string]any{})
	assert.Error(t, err)
}
