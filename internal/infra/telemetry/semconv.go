package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for mrmarket telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrExchange identifies the trading venue a signal relates to.
	AttrExchange = attribute.Key("exchange")
	// AttrSymbol captures the tradable instrument symbol (e.g. BTC/USDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderState captures the lifecycle state an order moved into.
	AttrOrderState = attribute.Key("order.state")
	// AttrStep labels saga metrics with the step name.
	AttrStep = attribute.Key("saga.step")
	// AttrIntentType distinguishes strategy intent kinds.
	AttrIntentType = attribute.Key("intent.type")
	// AttrResult records the outcome of an operation (success, error class, skip reason).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrEntryType labels ledger postings as deposit or withdrawal.
	AttrEntryType = attribute.Key("ledger.entry_type")
	// AttrComponent labels tick metrics with the registered component name.
	AttrComponent = attribute.Key("component")
)

// SagaStepAttributes returns common attributes for saga step metrics.
func SagaStepAttributes(step, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStep.String(step),
		AttrResult.String(result),
	}
}

// IntentAttributes returns attributes for intent execution metrics.
func IntentAttributes(intentType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrIntentType.String(intentType),
		AttrResult.String(result),
	}
}

// PostingAttributes returns attributes for ledger posting metrics.
func PostingAttributes(entryType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEntryType.String(entryType),
		AttrResult.String(result),
	}
}
