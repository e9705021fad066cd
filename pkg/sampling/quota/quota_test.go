package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Static(t *testing.T) {
	rate, ok, err := Static{Rate: 0.2}.TargetSampleRate(context.Background(), 1, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.2, rate)

	_, ok, err = Static{}.TargetSampleRate(context.Background(), 1, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_New_FallsBackToStatic(t *testing.T) {
	svc := New(Config{DefaultTargetRate: 0.5})
	_, ok := svc.(Static)
	assert.True(t, ok)
}

func Test_HTTPClient_TargetSampleRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tierRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 7, req.OrganizationID)
		assert.EqualValues(t, 1_000_000, req.MonthlyVolume)
		_ = json.NewEncoder(w).Encode(&tierResponse{SampleRate: 0.25, Applies: true})
	}))
	defer srv.Close()

	svc := New(Config{URL: srv.URL, RequestTimeout: time.Second})
	rate, ok, err := svc.TargetSampleRate(context.Background(), 7, 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.25, rate)
}

func Test_HTTPClient_NoTierApplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&tierResponse{})
	}))
	defer srv.Close()

	svc := New(Config{URL: srv.URL, RequestTimeout: time.Second})
	_, ok, err := svc.TargetSampleRate(context.Background(), 7, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_HTTPClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := New(Config{URL: srv.URL, RequestTimeout: time.Second})
	_, _, err := svc.TargetSampleRate(context.Background(), 7, 1000)
	assert.Error(t, err)

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&tierResponse{SampleRate: 40, Applies: true})
	}))
	defer srv2.Close()

	svc = New(Config{URL: srv2.URL, RequestTimeout: time.Second})
	_, _, err = svc.TargetSampleRate(context.Background(), 7, 1000)
	assert.Error(t, err)
}
