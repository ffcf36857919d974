package ota

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	operations  *prometheus.CounterVec
	uploadBytes prometheus.Counter
	artifacts   prometheus.Gauge
	sideEffects *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ota",
			Name:      "operations_total",
			Help:      "Firmware store operations by outcome.",
		}, []string{"operation", "result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ota",
			Name:      "upload_bytes_total",
			Help:      "Bytes of firmware accepted by uploads.",
		}),
		artifacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ota",
			Name:      "artifacts",
			Help:      "Firmware images present at the last listing.",
		}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ota",
			Name:      "side_effect_failures_total",
			Help:      "Failed mirror or bus operations after a successful store mutation.",
		}, []string{"target"}),
	}

	var err error
	if m.operations, err = register(reg, m.operations); err != nil {
		return nil, err
	}
	if m.uploadBytes, err = register(reg, m.uploadBytes); err != nil {
		return nil, err
	}
	if m.artifacts, err = register(reg, m.artifacts); err != nil {
		return nil, err
	}
	if m.sideEffects, err = register(reg, m.sideEffects); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = errorKind(err)
	}
	m.operations.WithLabelValues(operation, result).Inc()
}
