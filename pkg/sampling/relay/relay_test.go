package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Notifier_Invalidate(t *testing.T) {
	var got invalidation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier(log.NewNopLogger(), Config{URL: srv.URL, RequestTimeout: time.Second}, nil)
	require.NoError(t, n.InvalidateProjectConfig(context.Background(), 5, 11))
	assert.EqualValues(t, 5, got.OrganizationID)
	assert.EqualValues(t, 11, got.ProjectID)
}

func Test_Notifier_ErrorIsReturnedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "proxy unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(log.NewNopLogger(), Config{URL: srv.URL, RequestTimeout: time.Second}, nil)
	assert.Error(t, n.InvalidateProjectConfig(context.Background(), 5, 11))
}

func Test_Notifier_NoEndpointConfigured(t *testing.T) {
	n := NewNotifier(log.NewNopLogger(), Config{}, nil)
	assert.NoError(t, n.InvalidateProjectConfig(context.Background(), 5, 11))
}
