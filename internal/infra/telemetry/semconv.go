package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for takbridge telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrDestination identifies the TAK server a signal relates to.
	AttrDestination = attribute.Key("destination.id")
	// AttrTransport differentiates plain TCP from TLS destinations.
	AttrTransport = attribute.Key("destination.transport")
	// AttrOverflowPolicy labels queue drops with the policy that produced them.
	AttrOverflowPolicy = attribute.Key("queue.overflow_policy")
	// AttrBreaker names the circuit breaker (e.g. tak-3-transmit).
	AttrBreaker = attribute.Key("breaker.name")
	// AttrBreakerState captures breaker states on transition metrics.
	AttrBreakerState = attribute.Key("breaker.state")
	// AttrOperation differentiates specific operations (e.g. connect, transmit).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for drops and rejections.
	AttrReason = attribute.Key("reason")
	// AttrEventMode labels encoded events as standard or team-member.
	AttrEventMode = attribute.Key("cot.mode")
	// AttrAlertType labels monitoring alerts by type.
	AttrAlertType = attribute.Key("alert.type")
	// AttrSeverity labels monitoring alerts by severity.
	AttrSeverity = attribute.Key("alert.severity")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Drop reasons recorded on queue drop counters.
const (
	ReasonOverflow = "overflow"
	ReasonFlush    = "config_flush"
	ReasonReplaced = "replaced"
	ReasonStale    = "stale"
	ReasonTransmit = "transmit_failed"
	ReasonBreaker  = "breaker_open"
)

// QueueAttributes returns common attributes for queue metrics.
func QueueAttributes(environment string, destination int64, policy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDestination.String(strconv.FormatInt(destination, 10)),
		AttrOverflowPolicy.String(policy),
	}
}

// DestinationAttributes returns attributes for per-destination delivery metrics.
func DestinationAttributes(environment string, destination int64, transport string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDestination.String(strconv.FormatInt(destination, 10)),
		AttrTransport.String(transport),
	}
}

// BreakerAttributes returns attributes for circuit breaker metrics.
func BreakerAttributes(environment, breaker, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBreaker.String(breaker),
	}
	if state != "" {
		attrs = append(attrs, AttrBreakerState.String(state))
	}
	return attrs
}

// AlertAttributes returns attributes for monitoring alert metrics.
func AlertAttributes(environment string, destination int64, alertType, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDestination.String(strconv.FormatInt(destination, 10)),
		AttrAlertType.String(alertType),
		AttrSeverity.String(severity),
	}
}

// OperationResultAttributes returns attributes for operation outcome metrics.
func OperationResultAttributes(environment string, destination int64, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDestination.String(strconv.FormatInt(destination, 10)),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
