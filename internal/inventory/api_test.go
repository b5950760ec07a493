package inventory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

func TestAPISource_MergesClusterOffers(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case availabilityPath:
			gotQuery = r.URL.RawQuery
			_, _ = w.Write([]byte(`{"H100_80GB": [{"cloudId": "a", "gpuCount": 8}]}`))
		case clustersPath:
			_, _ = w.Write([]byte(`{"H100_80GB": [{"cloudId": "b", "gpuCount": 16}], "A100_80GB": []}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewAPISource(srv.URL+"/", srv.Client())
	payload, err := src.Availability(context.Background(), Query{
		GPUType: model.GPUH100_80GB, GPUCount: 8, Regions: []string{"eu", "us"},
	})
	require.NoError(t, err)

	require.Len(t, payload["H100_80GB"], 2)
	assert.Equal(t, "a", payload["H100_80GB"][0].CloudID)
	assert.Equal(t, "b", payload["H100_80GB"][1].CloudID)
	assert.Equal(t, "gpu_count=8&gpu_type=H100_80GB&regions=eu&regions=us", gotQuery)
}

func TestAPISource_ClusterFailureIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == clustersPath {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"T4": [{"cloudId": "t"}]}`))
	}))
	defer srv.Close()

	payload, err := NewAPISource(srv.URL, srv.Client()).Availability(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, payload["T4"], 1)
}

func TestAPISource_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   brokererrors.Code
	}{
		{http.StatusUnauthorized, brokererrors.ErrAuthFailed},
		{http.StatusTooManyRequests, brokererrors.ErrRateLimited},
		{http.StatusBadGateway, brokererrors.ErrCommandFailed},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewAPISource(srv.URL, srv.Client()).Availability(context.Background(), Query{})
		srv.Close()

		assert.Equal(t, tt.want, brokererrors.CodeOf(err), "HTTP %d", tt.status)
	}
}

func TestAPISource_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewAPISource(srv.URL, srv.Client()).Availability(ctx, Query{})
	assert.Equal(t, brokererrors.ErrTimeout, brokererrors.CodeOf(err))
}

func TestAPISource_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewAPISource(srv.URL, srv.Client()).Availability(context.Background(), Query{})
	assert.Equal(t, brokererrors.ErrCommandFailed, brokererrors.CodeOf(err))
}

func TestAPISource_MalformedOfferSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == clustersPath {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"H100_80GB": [
				{"cloudId": "good", "provider": "runpod", "gpuCount": 2, "prices": {"communityPrice": 2.95}},
				{"cloudId": "bad", "stockStatus": 3, "prices": "n/a"}
			],
			"A100_80GB": "unavailable",
			"L4": [{"cloudId": "l4", "gpuCount": "1"}]
		}`))
	}))
	defer srv.Close()

	payload, err := NewAPISource(srv.URL, srv.Client()).Availability(context.Background(), Query{})
	require.NoError(t, err)

	require.Len(t, payload["H100_80GB"], 1)
	assert.Equal(t, "good", payload["H100_80GB"][0].CloudID)
	assert.Equal(t, model.FlexInt(2), payload["H100_80GB"][0].GPUCount)
	_, ok := payload["A100_80GB"]
	assert.False(t, ok)
	require.Len(t, payload["L4"], 1)
	assert.Equal(t, model.FlexInt(1), payload["L4"][0].GPUCount)
}
