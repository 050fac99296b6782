package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedEndpoint(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:4000", "ws://localhost:4000/ws/spy"},
		{"https://qalgo.example.com/", "wss://qalgo.example.com/ws/spy"},
		{"http://host/prefix", "ws://host/prefix/ws/spy"},
		{"ws://host:4000", "ws://host:4000/ws/spy"},
	}
	for _, tt := range tests {
		got, err := feedEndpoint(tt.base)
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got)
	}

	_, err := feedEndpoint("ftp://host")
	assert.Error(t, err)
}

func TestRunControls(t *testing.T) {
	var mu sync.Mutex
	status := map[string]any{"capitalAllocation": 10.0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPost {
			if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"ok":true}`))
			return
		}
		json.NewEncoder(w).Encode(status)
	}))
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, runControls(ctx, srv.URL, time.Second, "on", 35, true))

	mu.Lock()
	assert.Equal(t, true, status["killSwitch"])
	assert.Equal(t, 35.0, status["capitalAllocation"])
	assert.Equal(t, true, status["overrideEntry"])
	mu.Unlock()

	assert.Error(t, runControls(ctx, srv.URL, time.Second, "maybe", -1, false))
	assert.Error(t, runControls(ctx, srv.URL, time.Second, "", 101, false))
}
