package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-telemetry/internal/anomaly"
	"github.com/banshee-data/vehicle-telemetry/internal/buffer"
	"github.com/banshee-data/vehicle-telemetry/internal/httputil"
)

func TestClientAgainstServer(t *testing.T) {
	buf := buffer.New(10)
	server := httptest.NewServer(NewServer(buf, 10, anomaly.DefaultThresholds()).ServeMux())
	defer server.Close()

	client := NewClient(server.URL+"/", httputil.NewStandardClient(server.Client()))
	ctx := context.Background()

	_, err := client.Latest(ctx)
	var statusErr *httputil.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	buf.Push(reading(1, 90))
	buf.Push(reading(2, 97))

	latest, err := client.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Seq)
	assert.True(t, latest.CapturedAt.Equal(reading(2, 97).CapturedAt))

	readings, err := client.Readings(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, readings, 2)

	report, err := client.Anomalies(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Window)
}

func TestClientRequestPaths(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `[]`)

	client := NewClient("http://car.local:8080", mock)
	_, err := client.Readings(context.Background(), 25)
	require.NoError(t, err)

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, "/api/readings", req.URL.Path)
	assert.Equal(t, "25", req.URL.Query().Get("n"))
}
