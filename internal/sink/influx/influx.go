// Package influx adapts influxdb-client-go's blocking write API to the
// pipeline.Sink interface, writing one point per parameter sample.
// Grounded on the teacher's pkg/nodes/database/influxdb.go client
// construction and write-point path.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/modflux/acquisitiond/internal/model"
)

// Config configures the InfluxDB connection. See spec §6 sink config.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Tags        map[string]string
}

// Sink is a pipeline.Sink backed by InfluxDB. One Sink instance serves
// every connection/device in the process.
type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	staticTags  map[string]string
}

// New connects to InfluxDB and verifies its health, per the teacher's
// Init connectivity check.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	health, err := client.Health(hctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx: connect failed: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influx: health check failed: %s", health.Status)
	}

	return &Sink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		staticTags:  cfg.Tags,
	}, nil
}

// Write implements pipeline.Sink: one point per sample in ev, tagged with
// the originating connection/device/parameter code. Bit-mapped parameters
// expand into one point per bit code; enum parameters write their numeric
// raw value rather than the label, per spec §6.
func (s *Sink) Write(ctx context.Context, ev model.DataParsed) error {
	points := make([]*write.Point, 0, len(ev.Samples))
	for _, sample := range ev.Samples {
		points = append(points, s.pointsFor(sample)...)
	}
	if len(points) == 0 {
		return nil
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

func (s *Sink) pointsFor(sample model.ParameterSample) []*write.Point {
	if sample.Spec.BitMap != nil {
		bits, ok := sample.Parsed.(map[string]bool)
		if !ok {
			return nil
		}
		points := make([]*write.Point, 0, len(bits))
		for bitCode, v := range bits {
			points = append(points, s.point(sample, sample.Code+"_"+bitCode, boolToFloat(v)))
		}
		return points
	}

	value := sample.Parsed
	if sample.Spec.EnumMap != nil {
		value = sample.Raw
	}
	return []*write.Point{s.point(sample, sample.Code, toFloat64(value))}
}

func (s *Sink) point(sample model.ParameterSample, parameterCode string, value float64) *write.Point {
	tags := make(map[string]string, len(s.staticTags)+3)
	for k, v := range s.staticTags {
		tags[k] = v
	}
	tags["connection_id"] = sample.ConnID
	tags["device_id"] = sample.DeviceID
	tags["parameter_code"] = parameterCode

	fields := map[string]interface{}{"value": value}
	return write.NewPoint(s.measurement, tags, fields, sample.Ts)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func toFloat64(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case bool:
		return boolToFloat(x)
	default:
		return 0
	}
}

// Close releases the underlying client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
