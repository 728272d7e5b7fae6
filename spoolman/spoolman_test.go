package spoolman

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filbridge/filbridge/rfid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextBackground() context.Context { return context.Background() }

func colorHexPtr(v uint32) *uint32 { return &v }

func TestSync_CreatesVendorFilamentAndSpoolOnMiss(t *testing.T) {
	var vendorCreated, filamentCreated, spoolCreated bool

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vendor", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		vendorCreated = true
		json.NewEncoder(w).Encode(map[string]any{"id": 1, "name": "Acme"})
	})
	mux.HandleFunc("/api/v1/filament", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		filamentCreated = true
		json.NewEncoder(w).Encode(map[string]any{"id": 2, "vendor_id": 1})
	})
	mux.HandleFunc("/api/v1/spool", func(w http.ResponseWriter, r *http.Request) {
		spoolCreated = true
		json.NewEncoder(w).Encode(map[string]any{"id": 3, "filament_id": 2})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, 0, time.Millisecond, nil)
	result, err := c.Sync(contextBackground(), rfid.OpenTagRecord{
		Manufacturer: "Acme",
		MaterialName: "PLA",
		ColorName:    "Red",
		ColorHex:     colorHexPtr(0xFF0000),
	})

	require.NoError(t, err)
	assert.True(t, vendorCreated)
	assert.True(t, filamentCreated)
	assert.True(t, spoolCreated)
	assert.Equal(t, SyncResult{VendorID: 1, FilamentID: 2, SpoolID: 3}, result)
}

func TestSync_MatchesExistingVendorAndFilament(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vendor", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method, "existing vendor must not be recreated")
		json.NewEncoder(w).Encode([]map[string]any{{"id": 9, "name": "Acme"}})
	})
	mux.HandleFunc("/api/v1/filament", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method, "existing filament must not be recreated")
		json.NewEncoder(w).Encode([]map[string]any{{"id": 8, "vendor_id": 9}})
	})
	mux.HandleFunc("/api/v1/spool", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "filament_id": 8})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, 0, time.Millisecond, nil)
	result, err := c.Sync(contextBackground(), rfid.OpenTagRecord{Manufacturer: "Acme", MaterialName: "PLA", ColorName: "Red"})

	require.NoError(t, err)
	assert.Equal(t, SyncResult{VendorID: 9, FilamentID: 8, SpoolID: 7}, result)
}

func TestSync_RetriesFailedRequestThenSucceeds(t *testing.T) {
	var vendorCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vendor", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{"id": 1, "name": "Acme"})
			return
		}
		if atomic.AddInt32(&vendorCalls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	})
	mux.HandleFunc("/api/v1/filament", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 2, "vendor_id": 1})
	})
	mux.HandleFunc("/api/v1/spool", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 3, "filament_id": 2})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, 2, time.Millisecond, nil)
	_, err := c.Sync(contextBackground(), rfid.OpenTagRecord{Manufacturer: "Acme", MaterialName: "PLA", ColorName: "Red"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&vendorCalls))
}

func TestSync_ExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 1, time.Millisecond, nil)
	_, err := c.Sync(contextBackground(), rfid.OpenTagRecord{Manufacturer: "Acme"})

	assert.Error(t, err)
}

func TestCheckConnection_TracksState(t *testing.T) {
	up := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 0, time.Millisecond, nil)
	c.CheckConnection()
	assert.True(t, c.connected)

	up = false
	c.CheckConnection()
	assert.False(t, c.connected)
}
