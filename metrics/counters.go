package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters are the read and write counters every backend reports, labelled by store name.
// A nil *Counters is valid and records nothing.
type Counters struct {
	writeCount     *prometheus.CounterVec
	writeTimeTotal *prometheus.CounterVec
	readCount      *prometheus.CounterVec
	readTimeTotal  *prometheus.CounterVec
}

// NewCounters registers the counters into Registry. It returns nil when metrics are not initialized.
func NewCounters(prefix, description string) (c *Counters, err error) {
	if Registry == nil {
		return nil, nil
	}
	c = &Counters{}
	c.writeCount, err = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_event_write_count",
		Help: description + " event write count",
	}, []string{"store"}))
	if err != nil {
		return nil, err
	}
	c.writeTimeTotal, err = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_event_write_time_total",
		Help: description + " event write time total",
	}, []string{"store"}))
	if err != nil {
		return nil, err
	}
	c.readCount, err = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_event_read_count",
		Help: description + " event read count",
	}, []string{"store"}))
	if err != nil {
		return nil, err
	}
	c.readTimeTotal, err = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_event_read_time_total",
		Help: description + " event read time total",
	}, []string{"store"}))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func register(vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	err := Registry.Register(vec)
	if err == nil {
		return vec, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing, nil
		}
	}
	return nil, err
}

func (c *Counters) Write(name string, events int, start time.Time) {
	if c == nil {
		return
	}
	c.writeCount.WithLabelValues(name).Add(float64(events))
	c.writeTimeTotal.WithLabelValues(name).Add(float64(time.Since(start).Microseconds()))
}

func (c *Counters) Read(name string, events int, start time.Time) {
	if c == nil {
		return
	}
	c.readCount.WithLabelValues(name).Add(float64(events))
	c.readTimeTotal.WithLabelValues(name).Add(float64(time.Since(start).Microseconds()))
}
