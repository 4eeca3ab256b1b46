package tracing

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"card_number":         {},
	"card.number":         {},
	"cvv":                 {},
	"card.cvv":            {},
	"token":               {},
	"authorization":       {},
	"private_merchant_id": {},
}

// 13-19 digit runs are treated as PANs.
var panPattern = regexp.MustCompile(`\b\d{13,19}\b`)

// SafeAttributes drops card and credential attributes and masks PAN-like values.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attribute.Key(strings.ToLower(string(attr.Key)))]; blocked {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			attr = attribute.String(string(attr.Key), redact(attr.Value.AsString()))
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error whose message has PAN-like digit runs masked.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(redact(err.Error()))
}

// ExtractContext reads the upstream trace context from carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectContext writes the current trace context into carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

func redact(value string) string {
	return panPattern.ReplaceAllStringFunc(value, func(pan string) string {
		return strings.Repeat("*", len(pan)-4) + pan[len(pan)-4:]
	})
}
