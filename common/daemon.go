package common

import (
	"fmt"
	"net/http"
	"time"

	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/sdk/metric/aggregator/histogram"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	"go.opentelemetry.io/otel/sdk/metric/export/aggregation"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	selector "go.opentelemetry.io/otel/sdk/metric/selector/simple"
)

var log = golog.Logger("common")

// HistogramBoundaries cover bid counts per auction as well as durations in milliseconds.
var HistogramBoundaries = []float64{1, 2, 4, 8, 16, 32, 64, 100, 250, 500, 1000, 2500, 10000}

// SetupInstrumentation installs the global prometheus meter provider and serves it
// at /metrics on prometheusAddr. The returned server is closed by the caller.
func SetupInstrumentation(prometheusAddr string) (*http.Server, error) {
	config := prometheus.Config{
		DefaultHistogramBoundaries: HistogramBoundaries,
	}
	c := controller.New(
		processor.NewFactory(
			selector.NewWithHistogramDistribution(
				histogram.WithExplicitBoundaries(config.DefaultHistogramBoundaries),
			),
			aggregation.CumulativeTemporalitySelector(),
			processor.WithMemory(true),
		),
	)
	exporter, err := prometheus.New(config, c)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prometheus exporter %v", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", exporter.ServeHTTP)
	server := &http.Server{
		Addr:              prometheusAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 5,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("serving metrics: %v", err)
		}
	}()

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		return nil, fmt.Errorf("starting Go runtime metrics: %s", err)
	}
	return server, nil
}
