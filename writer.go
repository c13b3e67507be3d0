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
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// errRetryDocuments is returned to the retry loop while documents rejected
// with 429 or 5xx are waiting to be sent again.
var errRetryDocuments = errors.New("documents pending retry")

// envelope is a resolved document waiting to be flushed.
type envelope struct {
	item BulkIndexerItem
	link *linkedTraceContext
}

// Writer maps records to Elasticsearch documents and writes them with bulk
// requests.
//
// Each record is adapted, mapped and resolved to a target index and
// identity as it is written. Fields new to the target's mapping are added
// before the document is buffered. Buffered documents are flushed once
// `config.FlushDocuments` or `config.FlushBytes` is reached, grouped by
// target index.
//
// The first fatal error aborts the session: it is returned by every later
// call, and buffered documents are discarded. Documents already flushed are
// not rolled back.
//
// A Writer is not safe for concurrent use, except for Stats. Run one Writer
// per record stream, sharing a MappingRegistry between them if needed.
type Writer struct {
	config   Config
	pattern  IndexPattern
	static   IndexTarget
	mapper   *FieldMapper
	identity identityResolver
	registry *MappingRegistry
	indexer  *BulkIndexer
	metrics  *metrics
	sink     *resultSink

	pending      []envelope
	pendingBytes int
	closed       bool

	// tracer is an OTel tracer, and should not be confused with `w.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// New returns a new Writer that writes documents into Elasticsearch.
// The configuration is checked before any request is made.
func New(client elastictransport.Interface, cfg Config) (*Writer, error) {
	cfg = DefaultConfig(cfg)
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	minFlushBytes := 16 * 1024 // 16kb
	if cfg.CompressionLevel != 0 && cfg.FlushBytes < minFlushBytes {
		return nil, fmt.Errorf(
			"flush bytes config value (%d) is too small with compression enabled. Use at least %d",
			cfg.FlushBytes, minFlushBytes,
		)
	}

	pattern, err := ParseResource(cfg.Resource)
	if err != nil {
		return nil, err
	}
	mapper, err := NewFieldMapper(FieldMapperConfig{
		Aliases:       cfg.FieldAliases,
		Exclude:       cfg.ExcludeFields,
		DateDetection: !cfg.DisableDateDetection,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating field mapper: %w", err)
	}
	indexer, err := NewBulkIndexer(BulkIndexerConfig{
		Client:           client,
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
		IncludeTypeName:  cfg.IncludeTypeName,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	registry := cfg.MappingRegistry
	if registry == nil {
		if registry, err = NewMappingRegistry(MappingRegistryConfig{
			Client:                 client,
			Logger:                 cfg.Logger,
			TracerProvider:         cfg.TracerProvider,
			DisableIndexAutoCreate: cfg.DisableIndexAutoCreate,
			DisableMappingGrowth:   cfg.DisableMappingGrowth,
			IncludeTypeName:        cfg.IncludeTypeName,
		}); err != nil {
			return nil, err
		}
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	w := &Writer{
		config:   cfg,
		pattern:  pattern,
		mapper:   mapper,
		identity: newIdentityResolver(cfg),
		registry: registry,
		indexer:  indexer,
		metrics:  ms,
		sink: &resultSink{
			operation:     cfg.Operation,
			ignoreMissing: cfg.IgnoreMissingDocuments,
		},
		tracer: tp.Tracer("github.com/elastic/go-docwriter.writer"),
	}
	if pattern.Static() {
		if w.static, err = pattern.Resolve(Value{}); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Write writes a tuple described by `config.Schema`.
func (w *Writer) Write(ctx context.Context, t Tuple) error {
	if err := w.check(); err != nil {
		return err
	}
	v, err := Adapter{TupleFieldNames: w.config.TupleFieldNames}.AdaptRecord(t, w.config.Schema)
	if err != nil {
		return w.reject(ctx, err)
	}
	return w.WriteValue(ctx, v)
}

// WriteValue writes a record, flushing buffered documents if a flush
// threshold is reached. The span active in ctx, if any, is linked from the
// flush that carries the document.
func (w *Writer) WriteValue(ctx context.Context, v Value) error {
	if err := w.check(); err != nil {
		return err
	}
	attrs := metric.WithAttributeSet(w.config.MetricAttributes)
	w.metrics.docsAdded.Add(context.Background(), 1, attrs)

	env, err := w.resolve(ctx, v)
	if err != nil {
		return w.reject(ctx, err)
	}
	w.pending = append(w.pending, env)
	w.pendingBytes += len(env.item.Body)
	if len(w.pending) >= w.config.FlushDocuments || w.pendingBytes >= w.config.FlushBytes {
		return w.flush(ctx)
	}
	return nil
}

func (w *Writer) resolve(ctx context.Context, v Value) (envelope, error) {
	doc, err := w.mapper.Map(v)
	if err != nil {
		return envelope{}, err
	}
	target := w.static
	if !w.pattern.Static() {
		if target, err = w.pattern.resolve(doc.Lookup); err != nil {
			return envelope{}, err
		}
	}
	id, err := w.identity.resolve(doc)
	if err != nil {
		return envelope{}, err
	}
	if w.config.Operation.requiresID() && id.id == "" {
		return envelope{}, fmt.Errorf("%w: %s of a document for %s without id", ErrMissingIdentity, w.config.Operation, target)
	}
	if _, err := w.registry.Reconcile(ctx, target, doc.Hints); err != nil {
		return envelope{}, err
	}
	item := BulkIndexerItem{
		Target:     target,
		Operation:  w.config.Operation,
		DocumentID: id.id,
		Parent:     id.parent,
		Routing:    id.routing,
		Version:    id.version,
		Body:       encodeDocument(doc.Body),
	}
	if id.version != "" {
		item.VersionType = w.config.VersionType
	}
	return envelope{item: item, link: linkFromContext(ctx)}, nil
}

// reject handles a record that could not be turned into a document.
func (w *Writer) reject(ctx context.Context, err error) error {
	if w.config.SkipUnsupportedRecords && errors.Is(err, ErrUnsupportedRecordShape) {
		w.config.Logger.Debug("skipping record", zap.Error(err))
		w.metrics.docsSkipped.Add(context.Background(), 1, metric.WithAttributeSet(w.config.MetricAttributes))
		w.sink.update(func(r *Result) { r.Skipped++ })
		return nil
	}
	w.config.Logger.Error("failed to write record", append(apmzap.TraceContext(ctx), zap.Error(err))...)
	return w.sink.fail(err)
}

func (w *Writer) check() error {
	if w.closed {
		return ErrClosed
	}
	return w.sink.failure()
}

// Flush sends all buffered documents, retrying documents and requests
// rejected with 429 or 5xx.
func (w *Writer) Flush(ctx context.Context) error {
	if err := w.check(); err != nil {
		return err
	}
	return w.flush(ctx)
}

// Close flushes buffered documents and ends the session, returning the
// outcome counts and the fatal error that aborted the session, if any.
//
// If ctx is cancelled, Close returns and ongoing retries are abandoned.
func (w *Writer) Close(ctx context.Context) (Result, error) {
	if w.closed {
		return w.Stats(), w.sink.failure()
	}
	w.closed = true
	if err := w.sink.failure(); err != nil {
		if len(w.pending) > 0 {
			w.config.Logger.Warn("discarding buffered documents after fatal error",
				zap.Int("documents", len(w.pending)), zap.Error(err))
		}
		w.pending = nil
		return w.Stats(), err
	}
	err := w.flush(ctx)
	return w.Stats(), err
}

// Stats returns the outcome counts so far. It is safe to call concurrently
// with other methods.
func (w *Writer) Stats() Result {
	return w.sink.snapshot()
}

// Mappings returns the mapping snapshots known to the writer's registry,
// which include those of other writers if the registry is shared.
func (w *Writer) Mappings() []*SchemaSnapshot {
	return w.registry.Snapshots()
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil
	w.pendingBytes = 0
	slices.SortStableFunc(batch, func(a, b envelope) int {
		return cmp.Or(
			strings.Compare(a.item.Target.Index, b.item.Target.Index),
			strings.Compare(a.item.Target.Type, b.item.Target.Type),
		)
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.config.RetryBackoff
	bo.MaxInterval = w.config.MaxRetryBackoff
	maxTries := uint(w.config.MaxRetries) + 1
	var attempt uint
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		retry, err := w.send(ctx, batch, attempt == maxTries)
		if err != nil {
			if !retryable(ctx, err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if len(retry) > 0 {
			batch = retry
			return struct{}{}, errRetryDocuments
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			w.config.Logger.Warn("retrying bulk request",
				zap.Error(err),
				zap.Int("documents", len(batch)),
				zap.Duration("backoff", d),
			)
		}),
	)
	switch {
	case err == nil:
	case errors.Is(err, errRetryDocuments):
		w.sink.failBatch(len(batch), fmt.Errorf("%w: %d documents still rejected after %d attempts",
			ErrTransportFailure, len(batch), attempt))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		w.sink.failBatch(len(batch), err)
	default:
		w.sink.failBatch(len(batch), fmt.Errorf("%w: bulk request failed after %d attempts: %w",
			ErrTransportFailure, attempt, err))
	}
	return w.sink.failure()
}

// retryable reports whether a failed bulk request may succeed if sent again.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, errDecodeResponse) {
		return false
	}
	var errFailed ErrorFlushFailed
	if errors.As(err, &errFailed) {
		return errFailed.retryable()
	}
	// Network errors, and FlushTimeout expiring.
	return true
}

// failedKey groups rejected documents for logging.
type failedKey struct {
	index  string
	status int
	typ    string
	reason string
}

// send issues one bulk request for batch and records the outcome of each
// document. Documents rejected with 429 or 5xx are returned for retry,
// unless final is set.
func (w *Writer) send(ctx context.Context, batch []envelope, final bool) ([]envelope, error) {
	n := len(batch)
	links := collectLinks(batch)
	logger := w.config.Logger
	if w.config.Tracer != nil && w.config.Tracer.Recording() {
		apmLinks := make([]apm.SpanLink, len(links))
		for i, link := range links {
			apmLinks[i] = link.APMLink()
		}
		tx := w.config.Tracer.StartTransactionOptions("docwriter.flush", "output", apm.TransactionOptions{
			Links: apmLinks,
		})
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	otelLinks := make([]trace.Link, len(links))
	for i, link := range links {
		otelLinks[i] = link.OTELLink()
	}
	ctx, span := w.tracer.Start(ctx, "docwriter.flush",
		trace.WithLinks(otelLinks...),
		trace.WithAttributes(attribute.Int("documents", n)),
	)
	defer span.End()
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With(
			zap.String("traceId", sc.TraceID().String()),
			zap.String("spanId", sc.SpanID().String()),
		)
	}

	for _, env := range batch {
		if err := w.indexer.Add(env.item); err != nil {
			w.indexer.resetBuf()
			return nil, backoff.Permanent(err)
		}
	}

	flushCtx := ctx
	if w.config.FlushTimeout != 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, w.config.FlushTimeout)
		defer cancel()
	}
	var resp BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		resp, err = w.indexer.Flush(flushCtx)
	})

	attrs := metric.WithAttributeSet(w.config.MetricAttributes)
	w.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	w.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	flushed := w.indexer.BytesFlushed()
	if flushed > 0 {
		w.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if flushed := w.indexer.BytesUncompressedFlushed(); flushed > 0 {
		w.metrics.bytesUncompressedTotal.Add(context.Background(), int64(flushed), attrs)
	}
	w.sink.update(func(r *Result) {
		r.BulkRequests++
		r.BytesFlushed += int64(flushed)
	})

	if err != nil {
		logger.Error("bulk indexing request failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk indexing request failed")
		if w.config.Tracer != nil {
			apm.CaptureError(ctx, err).Send()
		}
		statusAttrs := []attribute.KeyValue{attribute.String("status", "Failed")}
		var errFailed ErrorFlushFailed
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			statusAttrs[0] = attribute.String("status", "Timeout")
		case errors.As(err, &errFailed):
			switch {
			case errFailed.tooMany:
				statusAttrs[0] = attribute.String("status", "TooMany")
			case errFailed.clientError:
				statusAttrs[0] = attribute.String("status", "FailedClient")
			case errFailed.serverError:
				statusAttrs[0] = attribute.String("status", "FailedServer")
			}
			statusAttrs = append(statusAttrs, semconv.HTTPResponseStatusCode(errFailed.statusCode))
		}
		w.metrics.docsProcessed.Add(context.Background(), int64(n), attrs, metric.WithAttributes(statusAttrs...))
		return nil, err
	}

	var retry []envelope
	var counts [OutcomeTransportFailure + 1]int64
	var fatal bool
	var failedCount map[failedKey]int
	for i, item := range resp.Items {
		if i >= n {
			break
		}
		outcome, again := classify(item)
		if again && !final {
			retry = append(retry, batch[i])
			continue
		}
		counts[outcome]++
		itemErr := w.sink.record(item, outcome)
		if !item.Failed() {
			continue
		}
		if itemErr != nil {
			fatal = true
			if failedCount == nil {
				failedCount = make(map[failedKey]int)
			}
			failedCount[failedKey{item.Index, item.Status, item.Error.Type, item.Error.Reason}]++
			span.RecordError(errors.New(item.Error.Reason))
			continue
		}
		logger.Debug("document not written",
			zap.String("index", item.Index),
			zap.String("id", item.DocumentID),
			zap.Int("status", item.Status),
			zap.String("outcome", outcome.String()),
		)
	}
	if missing := n - len(resp.Items); missing > 0 {
		fatal = true
		w.sink.failBatch(missing, fmt.Errorf("%w: bulk response has %d items for %d documents",
			ErrTransportFailure, len(resp.Items), n))
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.typ, key.reason,
		), zap.Int("status", key.status), zap.Int("documents", count))
	}
	for o, count := range counts {
		if count == 0 {
			continue
		}
		w.metrics.docsProcessed.Add(context.Background(), count, attrs,
			metric.WithAttributes(attribute.String("status", Outcome(o).String())),
		)
	}
	if len(retry) > 0 {
		w.metrics.docsRetried.Add(context.Background(), int64(len(retry)), attrs)
		w.sink.update(func(r *Result) { r.Retried += int64(len(retry)) })
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_created", counts[OutcomeCreated]),
		zap.Int64("docs_updated", counts[OutcomeUpdated]),
		zap.Int64("docs_noop", counts[OutcomeNoOp]),
		zap.Int64("docs_version_conflict", counts[OutcomeVersionConflict]),
		zap.Int64("docs_failed", counts[OutcomeMappingConflict]+counts[OutcomeTransportFailure]),
		zap.Int("docs_retried", len(retry)),
	)
	if fatal {
		span.SetStatus(codes.Error, "documents rejected")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return retry, nil
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
