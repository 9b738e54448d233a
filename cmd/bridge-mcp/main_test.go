package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarderCall_Result(t *testing.T) {
	var got dispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tool-dispatch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(dispatchResponse{ID: got.ID, Result: json.RawMessage(`{"url":"https://example.com"}`)})
	}))
	defer srv.Close()

	f := newForwarder(srv.URL)
	result, err := f.call(context.Background(), "page_snapshot", map[string]any{"detail": "outline"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(result))

	assert.Equal(t, "page_snapshot", got.Name)
	assert.NotEmpty(t, got.ID, "every call carries a fresh correlation id")
	assert.JSONEq(t, `{"detail":"outline"}`, string(got.Input))
}

func TestForwarderCall_BridgeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "no remote executor connected"})
	}))
	defer srv.Close()

	f := newForwarder(srv.URL)
	_, err := f.call(context.Background(), "browser_action", map[string]any{"action": "click"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote executor connected")
}

func TestForwarderCall_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dispatchResponse{ID: "x"})
	}))
	defer srv.Close()

	f := newForwarder(srv.URL)
	result, err := f.call(context.Background(), "browser_action", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
}

func TestForwarderCall_Unreachable(t *testing.T) {
	f := newForwarder("http://127.0.0.1:1")
	_, err := f.call(context.Background(), "browser_action", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge unreachable")
}
