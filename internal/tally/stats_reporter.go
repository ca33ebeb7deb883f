package tally

import (
	"context"
	"strconv"
	"time"

	"github.com/smira/go-statsd"
	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/coinbase/chainmirror/internal/config"
)

type (
	StatsReporterParams struct {
		fx.In
		Lifecycle fx.Lifecycle
		Logger    *zap.Logger
		Config    *config.Config
	}

	// statsdReporter forwards tally metrics to a statsd agent.
	// Histograms are sent as counters tagged with the bucket upper bound.
	statsdReporter struct {
		client *statsd.Client
	}
)

const (
	reportingInterval = time.Second
	bucketTag         = "bucket"
)

var _ tally.StatsReporter = (*statsdReporter)(nil)

// NewStatsReporter returns tally.NullStatsReporter when statsd is not configured.
func NewStatsReporter(params StatsReporterParams) tally.StatsReporter {
	cfg := params.Config.StatsD
	if cfg == nil {
		return tally.NullStatsReporter
	}

	client := statsd.NewClient(
		cfg.Address,
		statsd.MetricPrefix(cfg.Prefix),
		statsd.TagStyle(tagFormat(cfg.TagFormat)),
		statsd.ReportInterval(reportingInterval),
	)
	params.Logger.Info("initialized statsd client", zap.String("address", cfg.Address))
	params.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return &statsdReporter{client: client}
}

func tagFormat(format string) *statsd.TagFormat {
	if format == "influxdb" {
		return statsd.TagFormatInfluxDB
	}
	return statsd.TagFormatDatadog
}

func toTags(tags map[string]string, extra ...statsd.Tag) []statsd.Tag {
	res := make([]statsd.Tag, 0, len(tags)+len(extra))
	for key, value := range tags {
		res = append(res, statsd.StringTag(key, value))
	}
	return append(res, extra...)
}

func (r *statsdReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.client.Incr(name, value, toTags(tags)...)
}

func (r *statsdReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.client.FGauge(name, value, toTags(tags)...)
}

func (r *statsdReporter) ReportTimer(name string, tags map[string]string, value time.Duration) {
	r.client.PrecisionTiming(name, value, toTags(tags)...)
}

func (r *statsdReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	_ float64,
	bucketUpperBound float64,
	samples int64,
) {
	bucket := statsd.StringTag(bucketTag, strconv.FormatFloat(bucketUpperBound, 'f', -1, 64))
	r.client.Incr(name, samples, toTags(tags, bucket)...)
}

func (r *statsdReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	_ time.Duration,
	bucketUpperBound time.Duration,
	samples int64,
) {
	bucket := statsd.StringTag(bucketTag, bucketUpperBound.String())
	r.client.Incr(name, samples, toTags(tags, bucket)...)
}

func (r *statsdReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *statsdReporter) Reporting() bool {
	return true
}

func (r *statsdReporter) Tagging() bool {
	return true
}

// Flush is a no-op since the client flushes every reportingInterval.
func (r *statsdReporter) Flush() {}
