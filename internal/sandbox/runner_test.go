package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditerrors "github.com/ctxaudit/auditcore/internal/errors"
)

func TestExecuteRoundTrip(t *testing.T) {
	var gotReq execRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/execute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(execResponse{
			ExitCode:   0,
			Output:     "VULNERABILITY_CONFIRMED",
			DurationMS: 850,
		})
	}))
	defer srv.Close()

	r := NewRunner(srv.URL, 1)
	result, err := r.Execute(context.Background(), "#!/bin/sh\necho hi", Limits{
		Timeout:       10 * time.Second,
		MemoryMB:      256,
		NetworkDenied: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "VULNERABILITY_CONFIRMED", result.Output)
	assert.Equal(t, 850*time.Millisecond, result.Duration)
	assert.False(t, result.TimedOut)

	assert.Equal(t, 10, gotReq.TimeoutSec)
	assert.Equal(t, 256, gotReq.MemoryMB)
	assert.False(t, gotReq.Network, "network denied must disable network access")
}

func TestExecuteReportsCollaboratorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(execResponse{
			ExitCode:   -1,
			Output:     "partial",
			DurationMS: 30000,
			TimedOut:   true,
		})
	}))
	defer srv.Close()

	r := NewRunner(srv.URL, 1)
	result, err := r.Execute(context.Background(), "sleep 60", Limits{Timeout: 30 * time.Second})
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Equal(t, "partial", result.Output)
}

func TestExecuteConnectionErrorIsRetryable(t *testing.T) {
	r := NewRunner("http://127.0.0.1:1", 1)
	_, err := r.Execute(context.Background(), "true", Limits{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, auditerrors.ErrConnectionFailed))
	assert.True(t, auditerrors.IsRetryable(err))
}

func TestExecuteNon200IsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox full", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRunner(srv.URL, 1)
	_, err := r.Execute(context.Background(), "true", Limits{Timeout: time.Second})
	require.Error(t, err)
	var ae *auditerrors.AuditError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, auditerrors.ErrorTypeAPI, ae.Type)
}

func TestExecuteSerializesOnSlots(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		json.NewEncoder(w).Encode(execResponse{})
	}))
	defer srv.Close()

	r := NewRunner(srv.URL, 1)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Execute(context.Background(), "true", Limits{Timeout: time.Second})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "one slot means one concurrent execution")
}

func TestExecuteCancelledWhileWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(execResponse{})
	}))
	defer srv.Close()
	defer close(release)

	r := NewRunner(srv.URL, 1)

	started := make(chan struct{})
	go func() {
		close(started)
		r.Execute(context.Background(), "true", Limits{Timeout: time.Minute})
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first call take the slot

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Execute(ctx, "true", Limits{Timeout: time.Minute})
	require.Error(t, err)
}
