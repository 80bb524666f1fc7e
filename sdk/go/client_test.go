package dispatchlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []Mission{{ID: 7, Status: "sent"}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	items, err := c.ListMissions(context.Background(), MissionFilter{Date: "2025-01-10", DriverID: 3})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(7), items[0].ID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v0/missions", gotPath)
	assert.Equal(t, "date=2025-01-10&driver_id=3", gotQuery)
}

func TestClientAPIKeyAndTransition(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dlk_abc", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "/v0/missions/4/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(Mission{ID: 4, Status: body["status"]})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "dlk_abc"
	m, err := c.Transition(context.Background(), 4, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", m.Status)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"invalid transition draft -> confirmed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Transition(context.Background(), 1, "confirmed")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
}

func TestClientNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v0/me/device-token", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).ClearDeviceToken(context.Background()))
}
