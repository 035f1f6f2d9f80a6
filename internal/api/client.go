package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/banshee-data/vehicle-telemetry/internal/httputil"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// Client reads a running dashboard.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the dashboard at baseURL, e.g.
// "http://localhost:8080". A nil c uses http.DefaultClient.
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: c}
}

// Latest returns the newest reading.
func (c *Client) Latest(ctx context.Context) (telemetry.Reading, error) {
	var r telemetry.Reading
	err := httputil.GetJSON(ctx, c.http, c.base+"/api/latest", &r)
	return r, err
}

// Readings returns up to n of the newest readings, oldest first.
func (c *Client) Readings(ctx context.Context, n int) ([]telemetry.Reading, error) {
	var rs []telemetry.Reading
	q := url.Values{"n": {fmt.Sprint(n)}}
	err := httputil.GetJSON(ctx, c.http, c.base+"/api/readings?"+q.Encode(), &rs)
	return rs, err
}

// Anomalies returns the newest reading and the thresholds it exceeds.
func (c *Client) Anomalies(ctx context.Context) (AnomalyReport, error) {
	var report AnomalyReport
	err := httputil.GetJSON(ctx, c.http, c.base+"/api/anomalies", &report)
	return report, err
}

// Stats returns summary statistics over the whole buffer.
func (c *Client) Stats(ctx context.Context) (StatsReport, error) {
	var report StatsReport
	err := httputil.GetJSON(ctx, c.http, c.base+"/api/stats", &report)
	return report, err
}
