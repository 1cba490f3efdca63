package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/protocol"
	"github.com/smukkama/usms-stats/pkg/config"
)

// Measurement is the InfluxDB measurement statistics are written to.
const Measurement = "usms_statistics"

// Writer mirrors statistics batches into an InfluxDB v2 bucket.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      *zap.Logger
}

// NewWriter initializes the InfluxDB v2 client and verifies connectivity
func NewWriter(ctx context.Context, cfg config.InfluxDBConfig, log *zap.Logger) (*Writer, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	log.Info("connected to InfluxDB", zap.String("url", cfg.URL), zap.String("bucket", cfg.Bucket))
	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      log,
	}, nil
}

// WriteStatistics writes every row of every message as one point. Rewriting a
// row overwrites the previous point, so recomputed sums replace stale ones.
func (w *Writer) WriteStatistics(ctx context.Context, msgs []*protocol.StatisticsMessage) error {
	points := Points(msgs)
	if len(points) == 0 {
		return nil
	}
	if err := w.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write %d points: %w", len(points), err)
	}
	w.log.Debug("wrote statistics points", zap.Int("points", len(points)))
	return nil
}

// Points converts statistics messages to line protocol points.
func Points(msgs []*protocol.StatisticsMessage) []*write.Point {
	var points []*write.Point
	for _, msg := range msgs {
		tags := map[string]string{
			"statistic_id": msg.StatisticID,
			"meter_no":     msg.MeterNo,
			"account":      msg.Account,
		}
		if msg.Unit != "" {
			tags["unit"] = msg.Unit
		}

		for _, row := range msg.Rows {
			fields := map[string]interface{}{
				"state": row.State,
			}
			if row.Sum != nil {
				fields["sum"] = *row.Sum
			}
			if row.Mean != nil {
				fields["mean"] = *row.Mean
			}
			points = append(points, write.NewPoint(Measurement, tags, fields, row.Start))
		}
	}
	return points
}

// Close closes the InfluxDB client
func (w *Writer) Close() {
	w.client.Close()
}
