package metrics

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

// Prefix is prepended to every instrument name.
const Prefix = "auctiond"

// Meter is the meter shared by all auctiond components.
var Meter = metric.Must(global.Meter(Prefix))

var (
	// AttrKind labels an instrument with the consensus message kind.
	AttrKind = attribute.Key("kind")
	// AttrReason labels an instrument with the reason a message was dropped.
	AttrReason = attribute.Key("reason")
)
