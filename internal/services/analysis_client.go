package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AnalysisRequest is what the analysis upstream receives
type AnalysisRequest struct {
	DeviceID     string             `json:"device_id"`
	TankVolumeL  float64            `json:"tank_volume_l,omitempty"`
	Measurements map[string]float64 `json:"measurements"`
	Notes        string             `json:"notes,omitempty"`
}

// AnalysisResult is the upstream's verdict, passed through to the client
type AnalysisResult struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
	Severity        string   `json:"severity,omitempty"`
}

// AnalysisProvider is the narrow interface to the water-chemistry
// analysis collaborator. Prompt construction and the language-model
// call live entirely behind it.
type AnalysisProvider interface {
	Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error)
}

// HTTPAnalysisProvider calls the analysis upstream over HTTP
type HTTPAnalysisProvider struct {
	upstreamURL string
	httpClient  *http.Client
}

// NewHTTPAnalysisProvider creates a provider for the given upstream URL
func NewHTTPAnalysisProvider(upstreamURL string) *HTTPAnalysisProvider {
	return &HTTPAnalysisProvider{
		upstreamURL: upstreamURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Analyze sends the measurements upstream and decodes the result
func (p *HTTPAnalysisProvider) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	if p.upstreamURL == "" {
		return nil, fmt.Errorf("analysis upstream URL is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.upstreamURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analysis upstream returned status %d: %s", resp.StatusCode, string(data))
	}

	var result AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis response: %w", err)
	}
	return &result, nil
}
