package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// AttrOK is a metric tag to indicate a successful operation.
	AttrOK = attribute.Key("status").String("ok")
	// AttrError is a metric tag to indicate a failed operation.
	AttrError = attribute.Key("status").String("error")
)

// AttrStatus returns AttrOK or AttrError depending on err.
func AttrStatus(err error) attribute.KeyValue {
	if err != nil {
		return AttrError
	}
	return AttrOK
}

// MetricIncrCounter increments the specified Int64Counter by 1. Depending if err
// is nil or not, it will use AttrOK or AttrError respectively. This method is a helper
// for deferring in methods.
func MetricIncrCounter(ctx context.Context, err error, m metric.Int64Counter, labels ...attribute.KeyValue) {
	m.Add(ctx, 1, append(labels, AttrStatus(err))...)
}

// MetricRecordElapsed records the milliseconds between start and end in the histogram,
// tagged with the operation status.
func MetricRecordElapsed(
	ctx context.Context,
	err error,
	m metric.Int64Histogram,
	start, end time.Time,
	labels ...attribute.KeyValue) {
	m.Record(ctx, end.Sub(start).Milliseconds(), append(labels, AttrStatus(err))...)
}
