// Package mlscore is an HTTP client for the external proxy-attendance model.
//
// The model service takes the named features plus a fixed 11-element vector
// and answers with a probability:
//
//	POST {base}/predict  {"features": {...}, "vector": [hour, dow, lat, lng, acc, ip0..ip3, uaLen, fpHash]}
//	200                  {"probability": 0.83}
package mlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/attendguard/attendguard/internal/proxy"
)

// VectorLen is the length of the engineered feature vector.
const VectorLen = 11

// ErrBadResponse is returned for non-200 replies and out-of-range probabilities.
var ErrBadResponse = errors.New("bad response from scoring model")

// Client implements proxy.Scorer.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. The timeout is a backstop; callers normally bound
// each call with a context deadline as well.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type predictRequest struct {
	Features proxy.Features     `json:"features"`
	Vector   [VectorLen]float64 `json:"vector"`
}

type predictResponse struct {
	Probability *float64 `json:"probability"`
}

// Predict asks the model for the proxy probability of one attendance mark.
func (c *Client) Predict(ctx context.Context, f proxy.Features) (float64, error) {
	body, err := json.Marshal(predictRequest{Features: f, Vector: Vector(f)})
	if err != nil {
		return 0, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", ErrBadResponse, err)
	}
	if out.Probability == nil {
		return 0, fmt.Errorf("%w: missing probability", ErrBadResponse)
	}
	p := *out.Probability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: probability %v outside [0, 1]", ErrBadResponse, p)
	}
	return p, nil
}

// Vector builds the model's positional input. Missing values are zero.
func Vector(f proxy.Features) [VectorLen]float64 {
	var v [VectorLen]float64
	v[0] = float64(f.HourOfDay)
	v[1] = float64(f.DayOfWeek)
	if f.Lat != nil {
		v[2] = *f.Lat
	}
	if f.Lng != nil {
		v[3] = *f.Lng
	}
	if f.AccuracyMeters != nil {
		v[4] = *f.AccuracyMeters
	}
	octets := ipOctets(f.NetworkAddress)
	copy(v[5:9], octets[:])
	v[9] = float64(len(f.ClientSignature))
	v[10] = float64(charSum(f.Fingerprint) % 1000)
	return v
}

// ipOctets splits a dotted address; anything that is not a number becomes zero.
func ipOctets(addr string) [4]float64 {
	var out [4]float64
	if addr == "" {
		return out
	}
	for i, part := range strings.SplitN(addr, ".", 5) {
		if i == 4 {
			break
		}
		if n, err := strconv.ParseFloat(part, 64); err == nil && !math.IsNaN(n) {
			out[i] = n
		}
	}
	return out
}

func charSum(s string) int {
	sum := 0
	for _, r := range s {
		sum += int(r)
	}
	return sum
}
