// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package docwriter

import (
	"context"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/trace"
)

// linkedTraceContext identifies the span that was active when a record was
// written, so the flush that carries it can link back.
type linkedTraceContext struct {
	TraceID [16]byte
	SpanID  [8]byte
}

func (c linkedTraceContext) APMLink() apm.SpanLink {
	return apm.SpanLink{Trace: c.TraceID, Span: c.SpanID}
}

func (c linkedTraceContext) OTELLink() trace.Link {
	return trace.Link{SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: c.TraceID,
		SpanID:  c.SpanID,
	})}
}

// linkFromContext returns the OTel span context in ctx, or else the APM
// transaction's, or nil when ctx carries neither.
func linkFromContext(ctx context.Context) *linkedTraceContext {
	if link := newLinkedTraceIDFromOTEL(trace.SpanContextFromContext(ctx)); link != nil {
		return link
	}
	if tx := apm.TransactionFromContext(ctx); tx != nil {
		return newLinkedTraceContextFromAPM(tx.TraceContext())
	}
	return nil
}

func newLinkedTraceContextFromAPM(ctx apm.TraceContext) *linkedTraceContext {
	if err := ctx.Trace.Validate(); err != nil {
		return nil
	}
	return &linkedTraceContext{
		TraceID: ctx.Trace,
		SpanID:  ctx.Span,
	}
}

func newLinkedTraceIDFromOTEL(ctx trace.SpanContext) *linkedTraceContext {
	if !ctx.HasTraceID() || !ctx.HasSpanID() {
		return nil
	}
	return &linkedTraceContext{
		TraceID: ctx.TraceID(),
		SpanID:  ctx.SpanID(),
	}
}

// collectLinks returns the distinct links of envs, in first-seen order.
func collectLinks(envs []envelope) []linkedTraceContext {
	var links []linkedTraceContext
	seen := make(map[linkedTraceContext]struct{})
	for _, env := range envs {
		if env.link == nil {
			continue
		}
		if _, ok := seen[*env.link]; ok {
			continue
		}
		seen[*env.link] = struct{}{}
		links = append(links, *env.link)
	}
	return links
}
