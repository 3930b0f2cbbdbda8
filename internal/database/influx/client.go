// Package influx provides time-series metrics storage for the proxy:
// share outcomes, estimated hashrate, and upstream availability history.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending writes and closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// WriteShareMetric writes a share submission outcome
func (c *Client) WriteShareMetric(workerName string, accepted, local bool, rejectCode int) {
	tags := map[string]string{
		"worker":   workerName,
		"accepted": fmt.Sprintf("%t", accepted),
		"local":    fmt.Sprintf("%t", local),
	}

	fields := map[string]interface{}{
		"reject_code": rejectCode,
		"count":       1,
	}

	point := write.NewPoint("shares", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteHashrateMetric writes an estimated hashrate sample for a worker
func (c *Client) WriteHashrateMetric(workerName string, hashrate float64) {
	tags := map[string]string{
		"worker": workerName,
	}

	fields := map[string]interface{}{
		"hashrate": hashrate,
	}

	point := write.NewPoint("hashrate", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteUpstreamMetric writes an upstream state transition
func (c *Client) WriteUpstreamMetric(host, fromState, toState string) {
	tags := map[string]string{
		"host": host,
	}

	fields := map[string]interface{}{
		"from_state": fromState,
		"to_state":   toState,
		"count":      1,
	}

	point := write.NewPoint("upstream", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteProxyStatsMetric writes overall proxy statistics
func (c *Client) WriteProxyStatsMetric(workers, authorized int64, networkDiff float64) {
	fields := map[string]interface{}{
		"workers":            workers,
		"authorized":         authorized,
		"network_difficulty": networkDiff,
	}

	point := write.NewPoint("proxy_stats", map[string]string{}, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// GetShareStats retrieves share statistics for a worker over a time period
func (c *Client) GetShareStats(ctx context.Context, workerName string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.worker == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["accepted"])
		|> sum()
	`, c.bucket, duration.String(), workerName)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			if record.ValueByKey("accepted") == "true" {
				stats.AcceptedShares = count
			} else {
				stats.RejectedShares = count
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.TotalShares = stats.AcceptedShares + stats.RejectedShares
	if stats.TotalShares > 0 {
		stats.AcceptedPercent = float64(stats.AcceptedShares) / float64(stats.TotalShares) * 100
	}

	return stats, nil
}

// GetProxyHashrate retrieves the aggregate hashrate across all workers
func (c *Client) GetProxyHashrate(ctx context.Context, duration time.Duration) (float64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
		|> group()
		|> sum()
		|> last()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query proxy hashrate: %w", err)
	}
	defer func() { _ = result.Close() }()

	if result.Next() {
		record := result.Record()
		if hashrate, ok := record.Value().(float64); ok {
			return hashrate, nil
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return 0, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	TotalShares     int64   `json:"total_shares"`
	AcceptedShares  int64   `json:"accepted_shares"`
	RejectedShares  int64   `json:"rejected_shares"`
	AcceptedPercent float64 `json:"accepted_percent"`
}
