package tablestore

import "github.com/hupe1980/tablestore/observer"

// MetricsObserver receives operational events from writers, committers
// and expire passes. Implement it to integrate with monitoring systems;
// observer.Prometheus is a ready-made implementation.
type MetricsObserver = observer.MetricsObserver

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
// Use this when metrics collection is not needed.
type NoopMetricsObserver = observer.NoopMetricsObserver

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver = observer.BasicMetricsObserver

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats = observer.BasicMetricsStats
