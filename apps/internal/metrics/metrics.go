// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package metrics holds the Prometheus collectors describing sign-in activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Flows.
const (
	FlowSilent      = "silent"
	FlowInteractive = "interactive"
	FlowLogout      = "logout"
)

// Outcomes.
const (
	OutcomeSuccess             = "success"
	OutcomeInteractionRequired = "interaction_required"
	OutcomeCancelled           = "cancelled"
	OutcomeError               = "error"
)

// Metrics records sign-in attempts. A nil *Metrics records nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them
// unregistered. Collectors already registered by another Metrics are shared.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signin_attempts_total",
			Help: "Sign-in attempts by flow and outcome.",
		}, []string{"flow", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signin_duration_seconds",
			Help:    "Time spent in a sign-in flow.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe records one attempt of flow that started at start.
func (m *Metrics) Observe(flow, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(flow, outcome).Inc()
	m.duration.WithLabelValues(flow).Observe(time.Since(start).Seconds())
}
