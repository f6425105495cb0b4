// Package recorder writes the climate readings of every grow kit to InfluxDB
// as they arrive.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/config"
	"github.com/bilbercode/lykyn-sync/internal/devices"
)

const (
	Measurement = "lykyn_climate"

	connectTimeout = 10 * time.Second
)

var ErrConnectionFailed = errors.New("influxdb connection failed")

// fields maps calibrate keys onto InfluxDB field names.
var fields = map[string]string{
	"temp":           "temp",
	"hum":            "hum",
	"calibratedTemp": "calibrated_temp",
	"calibratedHum":  "calibrated_hum",
}

var (
	pointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "influx_points_total",
		Namespace: "lykyn_sync",
		Help:      "number of climate points queued for InfluxDB",
	})
	writeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "influx_write_errors_total",
		Namespace: "lykyn_sync",
		Help:      "number of failed InfluxDB writes",
	})
)

// Source is the lykyn client as seen by the recorder.
type Source interface {
	Subscribe(h devices.Handler) func()
	Device(id string) (devices.Device, bool)
}

type pointWriter interface {
	WritePoint(point *write.Point)
}

type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	points   pointWriter

	mu     sync.Mutex
	closed bool
}

// Connect creates a Recorder writing to the bucket named in cfg. The server
// must answer a ping before the recorder is returned.
func Connect(cfg config.InfluxDBConfig) (*Recorder, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			writeErrors.Inc()
			log.WithError(err).Warn("failed to write to influxdb")
		}
	}(writeAPI.Errors())

	return &Recorder{client: client, writeAPI: writeAPI, points: writeAPI}, nil
}

// Start records a point whenever a device changes until ctx is done.
func (r *Recorder) Start(ctx context.Context, source Source) error {
	unsubscribe := source.Subscribe(func(id string) error {
		if id == "" {
			return nil
		}
		d, ok := source.Device(id)
		if !ok {
			return nil
		}
		r.Record(d, time.Now())
		return nil
	})
	defer unsubscribe()

	log.Info("influxdb recorder started")
	<-ctx.Done()
	return nil
}

// Record queues the climate reading of d. Devices without readings are
// skipped.
func (r *Recorder) Record(d devices.Device, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	p, ok := pointFor(d, at)
	if !ok {
		return
	}
	r.points.WritePoint(p)
	pointsWritten.Inc()
}

func pointFor(d devices.Device, at time.Time) (*write.Point, bool) {
	calibrate := d.Info.Sub("calibrate")
	values := make(map[string]interface{})
	for key, field := range fields {
		if v, ok := calibrate.Float(key); ok {
			values[field] = v
		}
	}
	if len(values) == 0 {
		return nil, false
	}
	tags := map[string]string{"device_id": d.ID}
	if d.Name != "" {
		tags["name"] = d.Name
	}
	return write.NewPoint(Measurement, tags, values, at), true
}

// Close flushes queued points and releases the client.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.writeAPI != nil {
		r.writeAPI.Flush()
	}
	if r.client != nil {
		r.client.Close()
	}
	return nil
}
