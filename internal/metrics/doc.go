/*
Package metrics provides comprehensive metrics collection and monitoring for a
pvfs2client sysint mount.

# Overview

The metrics package implements Prometheus-based metrics collection for sysint
operations (lookup, getattr, setattr, readdir, io, create, remove, rename),
attr/name cache performance, message-array retries, and state-machine frame
depth. It provides both real-time Prometheus metrics and historical tracking
for debugging and analysis.

Architecture

	┌─────────────┐
	│  Collector  │  ← Main metrics aggregator
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Core Components

Collector: The main metrics collector that aggregates and exports metrics.
It maintains both Prometheus metrics (for monitoring systems) and internal
operation tracking (for debugging).

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "pvfs2client",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording Operations

The collector tracks operations with timing, size, and success/failure status:

	startTime := time.Now()
	attrs, err := client.Getattr(ctx, ref, mask)
	duration := time.Since(startTime)

	collector.RecordOperation("getattr", duration, 0, err == nil)

# Cache Metrics

Track hit rates on the attr and name caches explicitly by source — the
caller always knows which cache served the request, so the source is
passed in rather than guessed from the key:

	// Cache hit
	collector.RecordCacheHit("attr", 0)

	// Cache miss
	collector.RecordCacheMiss("name", 0)

	// Update cache size (periodically)
	collector.UpdateCacheSize("attr", currentAttrCacheSize)
	collector.UpdateCacheSize("name", currentNameCacheSize)

# Error Tracking

Record and classify errors for monitoring and alerting:

	if err != nil {
		collector.RecordError("getattr", err)
		return err
	}

# Message Array and State Machine Metrics

The message-array layer (internal/rpc) and state-machine runtime
(internal/sm) report their own counters and gauges:

	collector.RecordRetry("rpc")                    // one pair retried
	collector.RecordMessagePairState("failed")       // a pair's terminal state
	collector.UpdateFrameDepth("create_file", 2)     // current frame stack depth

# Prometheus Metrics

The collector exports standard Prometheus metrics:

Counters:
  - pvfs2client_operations_total{operation,status}: Total sysint operations by type and status
  - pvfs2client_cache_requests_total{type,source}: Attr/name cache hits and misses
  - pvfs2client_errors_total{operation,type}: Errors by operation and classification
  - pvfs2client_retries_total{component}: Retry attempts by component
  - pvfs2client_message_pair_state_total{state}: Message-array pairs reaching each terminal state

Histograms:
  - pvfs2client_operation_duration_seconds{operation}: Operation latency distribution
  - pvfs2client_operation_size_bytes{operation}: Operation size distribution

Gauges:
  - pvfs2client_cache_size_bytes{level}: Current cache size per level
  - pvfs2client_active_connections: Current active BMI transport connections
  - pvfs2client_sm_frame_depth{machine}: Current frame stack depth by machine name

# HTTP Endpoints

The metrics server exposes several endpoints:

/metrics - Prometheus-formatted metrics (for scraping)

	curl http://localhost:8080/metrics

/health - Health check endpoint

	curl http://localhost:8080/health
	{"status":"healthy","service":"pvfs2client-metrics"}

/debug/metrics - Human-readable metrics summary

	curl http://localhost:8080/debug/metrics
	{
	  "uptime": "2h15m30s",
	  "last_reset": "2024-05-01 09:00:00 +0000 UTC",
	  "operations": {
	    "getattr": {
	      "count": 15234,
	      "errors": 12,
	      "avg_duration": "45ms",
	      "avg_size": 0.00
	    }
	  }
	}

/debug/operations - Tabular operations summary

	curl http://localhost:8080/debug/operations
	PVFS Client Operations Summary
	==========================

	Uptime: 2h15m30s
	Last Reset: 2024-05-01 09:00:00 +0000 UTC

	Operation                 Count     Errors Avg Duration     Avg Size    Last Op
	----------                -----     ------ ------------     --------    -------
	getattr                   15234         12         45ms            0   11:15:30
	io_read                    8901          3         89ms      1048576   11:15:29

# Configuration

The Config struct controls metrics behavior:

	config := &metrics.Config{
		Enabled:        true,              // Enable/disable metrics collection
		Port:           8080,              // HTTP server port
		Path:           "/metrics",        // Prometheus metrics endpoint path
		Namespace:      "pvfs2client",     // Prometheus namespace
		Subsystem:      "",                // Optional subsystem prefix
		UpdateInterval: 30 * time.Second,  // Periodic update interval
		Labels:         map[string]string{ // Custom labels for all metrics
			"env":     "production",
			"region":  "us-east-1",
			"version": "v0.2.0",
		},
	}

# Best Practices

1. Operation Recording
Record every sysint operation with accurate timing and size information.
internal/sysint records each one under the lower-case name of its Client
method (lookup, getattr, setattr, readdir, create, remove, rename), except IO,
which records io_read or io_write.

2. Cache Metrics
Update cache metrics regularly to provide accurate size and hit rate data.
Consider recording cache metrics after each cache operation or on a timer.

3. Error Classification
Record all errors with meaningful operation context. The collector automatically
classifies errors (timeout, connection, not_found, permission, throttling) for
better monitoring and alerting.

4. Resource Limits
Be mindful of metric cardinality. Avoid high-cardinality labels (like user IDs
or file paths) that can explode the metric count and impact Prometheus performance.

5. Debugging
Use the /debug/* endpoints for troubleshooting without requiring Prometheus.
These endpoints provide human-readable summaries of current system state.

# Performance Considerations

How the collector behaves on the recording path:

- Each recording method takes the collector's mutex and updates Prometheus directly
- UpdateInterval sets the period of a background loop whose update step does no work
- With Enabled false (or a nil Collector) every recording method is a no-op

# Thread Safety

All Collector methods are thread-safe and can be called concurrently from
multiple goroutines. The collector uses RWMutex for efficient concurrent access.

# Integration with Monitoring Systems

Prometheus Setup:

	scrape_configs:
	  - job_name: 'pvfs2client'
	    static_configs:
	      - targets: ['localhost:8080']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

Grafana Dashboards:

The exported metrics are compatible with standard Grafana dashboards for:
- RED metrics (Rate, Errors, Duration)
- Cache performance analysis
- Resource utilization trending
- Error rate alerting

# Example Usage

Complete example of metrics integration:

	package main

	import (
		"context"
		"log"
		"time"

		"github.com/objectfs/pvfs2client/internal/metrics"
	)

	func main() {
		// Create metrics collector
		collector, err := metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      8080,
			Namespace: "pvfs2client",
			Labels: map[string]string{
				"instance": "primary",
			},
		})
		if err != nil {
			log.Fatal(err)
		}

		// Start metrics server
		ctx := context.Background()
		if err := collector.Start(ctx); err != nil {
			log.Fatal(err)
		}
		defer collector.Stop(ctx)

		// Record operations
		for {
			start := time.Now()
			err := performWork()
			duration := time.Since(start)

			collector.RecordOperation("work", duration, 1024, err == nil)
			if err != nil {
				collector.RecordError("work", err)
			}

			time.Sleep(time.Second)
		}
	}

	func performWork() error {
		// Your operation here
		return nil
	}

# See Also

- internal/sm: state machine runtime whose frame depth this package gauges
- internal/rpc: message-array layer whose retries and pair states this package counts
- pkg/health: Component health tracking
- internal/circuit: Circuit breaker for reliability
- pkg/errors: Structured error handling

For more information on Prometheus metrics and best practices, see:
https://prometheus.io/docs/practices/naming/
*/
package metrics
