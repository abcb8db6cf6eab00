// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labctl.migration")

func startOperationSpan(ctx context.Context, op, service string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "migration."+op,
		trace.WithAttributes(
			attribute.String("migration.service", service),
			attribute.Int("migration.attempt", attempt),
		),
	)
}

func recordStateEvent(span trace.Span, rec Record) {
	attrs := []attribute.KeyValue{
		attribute.String("migration.state", string(rec.State)),
	}
	if rec.Message != "" {
		attrs = append(attrs, attribute.String("migration.message", rec.Message))
	}
	span.AddEvent("state", trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, rec Record, err error) {
	span.SetAttributes(attribute.String("migration.final_state", string(rec.State)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
