package events

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
	"abepay.com/pkg/safe"
)

const measurement = "deposit_event"

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	UseGzip       bool          `mapstructure:"use_gzip"`
}

func (c InfluxConfig) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		c.URL, c.Org, c.Bucket, c.BatchSize, c.FlushInterval, c.UseGzip)
}

// pointWriter is the part of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(p *write.Point)
}

// InfluxSink records every event as a point for the deposit dashboards. Writes are
// batched and asynchronous.
type InfluxSink struct {
	client influxdb2.Client
	w      pointWriter
}

func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)
	drainErrors(w)

	logger.Info(context.Background(), "influx sink ready", zap.String("cfg", cfg.String()))
	return &InfluxSink{client: c, w: w}
}

// the async writer blocks once its error channel fills up
func drainErrors(w api.WriteAPI) {
	errs := w.Errors()
	safe.Go(func() {
		for err := range errs {
			logger.Warn(context.Background(), "influx write failed", zap.Error(err))
		}
	})
}

func (s *InfluxSink) Publish(_ context.Context, e Event) {
	s.w.WritePoint(point(e))
}

// Close flushes pending points.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// point keeps tags low-cardinality; ids go into fields.
func point(e Event) *write.Point {
	tags := map[string]string{
		"kind":     string(e.Kind),
		"to":       string(e.To),
		"currency": e.Currency,
	}
	if e.AttentionReason != "" {
		tags["reason"] = e.AttentionReason
	}
	if e.Source != "" {
		tags["source"] = e.Source
	}
	fields := map[string]interface{}{
		"correlation_id":    e.CorrelationID,
		"local_amount":      e.LocalAmount.InexactFloat64(),
		"settlement_amount": e.SettlementAmount.InexactFloat64(),
	}
	if e.TransferID != "" {
		fields["transfer_id"] = e.TransferID
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(measurement, tags, fields, at)
}
