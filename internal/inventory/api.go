package inventory

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/transport"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const apiComponent = "inventory.api"

const (
	availabilityPath = "/api/v1/availability"
	clustersPath     = "/api/v1/availability/clusters"
)

// APISource queries the marketplace's structured availability API.
type APISource struct {
	baseURL string
	client  *http.Client
}

// NewAPISource creates an APISource. client is expected to carry auth and
// rate limiting (see transport.NewHTTPClient).
func NewAPISource(baseURL string, client *http.Client) *APISource {
	return &APISource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Availability fetches single-node offers and merges in multi-node cluster
// offers. A failing cluster endpoint does not fail the call.
func (a *APISource) Availability(ctx context.Context, q Query) (model.AvailabilityPayload, error) {
	payload, err := a.get(ctx, availabilityPath, q)
	if err != nil {
		return nil, err
	}

	clusters, err := a.get(ctx, clustersPath, q)
	if err != nil {
		slog.Debug("inventory: cluster availability unavailable", "error", err)
		return payload, nil
	}
	for k, offers := range clusters {
		payload[k] = append(payload[k], offers...)
	}
	return payload, nil
}

func (a *APISource) get(ctx context.Context, path string, q Query) (model.AvailabilityPayload, error) {
	params := url.Values{}
	if q.GPUType != "" {
		params.Set("gpu_type", string(q.GPUType))
	}
	if q.GPUCount > 0 {
		params.Set("gpu_count", strconv.Itoa(q.GPUCount))
	}
	for _, r := range q.Regions {
		params.Add("regions", r)
	}

	u := a.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("inventory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(ctx, err)
	}
	if err := transport.CheckResponse(resp, apiComponent); err != nil {
		return nil, err
	}
	defer transport.DrainAndClose(resp.Body)

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, brokererrors.Wrap(brokererrors.ErrCommandFailed, apiComponent, err, "decode %s", path)
	}
	return decodeOffers(path, raw), nil
}

// decodeOffers decodes each offer on its own so one malformed record is
// skipped without losing the rest of the payload.
func decodeOffers(path string, raw map[string]json.RawMessage) model.AvailabilityPayload {
	payload := make(model.AvailabilityPayload, len(raw))
	for gpuType, list := range raw {
		var records []json.RawMessage
		if err := json.Unmarshal(list, &records); err != nil {
			slog.Debug("inventory: skipping malformed offer list", "path", path, "gpu_type", gpuType, "error", err)
			continue
		}
		offers := make([]model.Offer, 0, len(records))
		for i, rec := range records {
			var o model.Offer
			if err := json.Unmarshal(rec, &o); err != nil {
				slog.Debug("inventory: skipping malformed offer", "path", path, "gpu_type", gpuType, "index", i, "error", err)
				continue
			}
			offers = append(offers, o)
		}
		payload[gpuType] = offers
	}
	return payload
}

func classifyHTTPError(ctx context.Context, err error) error {
	var netErr net.Error
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(stderrors.As(err, &netErr) && netErr.Timeout()) {
		return brokererrors.Wrap(brokererrors.ErrTimeout, apiComponent, err, "availability request timed out")
	}
	if ctx.Err() != nil {
		return err
	}
	return brokererrors.Wrap(brokererrors.ErrCommandFailed, apiComponent, err, "availability request failed")
}
