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
	"fmt"
	"strings"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Operation is the write semantics applied to every document of a Writer.
type Operation uint8

const (
	// OperationIndex inserts or overwrites documents.
	OperationIndex Operation = iota

	// OperationCreate inserts documents, failing when the id is taken.
	OperationCreate

	// OperationUpdate merges documents into existing ones, failing when
	// the document is missing.
	OperationUpdate

	// OperationUpsert merges documents into existing ones, inserting the
	// full document when missing.
	OperationUpsert
)

// ParseOperation parses an operation name: index, create, update or upsert.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "index":
		return OperationIndex, nil
	case "create":
		return OperationCreate, nil
	case "update":
		return OperationUpdate, nil
	case "upsert":
		return OperationUpsert, nil
	}
	return 0, fmt.Errorf("unknown write operation %q", s)
}

func (o Operation) String() string {
	switch o {
	case OperationIndex:
		return "index"
	case OperationCreate:
		return "create"
	case OperationUpdate:
		return "update"
	case OperationUpsert:
		return "upsert"
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// action returns the bulk action name.
func (o Operation) action() string {
	if o == OperationUpsert {
		return "update"
	}
	return o.String()
}

func (o Operation) requiresID() bool {
	return o != OperationIndex
}

// Config holds configuration for Writer.
type Config struct {
	// Logger holds an optional Logger to use for logging indexing requests.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the writer is used for high throughput indexing, is recommended
	// that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each bulk
	// request and mapping update is traced as a span, linked to the spans
	// active when its documents were written.
	//
	// If TracerProvider is nil, requests will not be traced.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record writer metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// Resource holds the target index, optionally followed by /type. Either
	// part may reference record fields as {field} or {field|date pattern},
	// for example "logs-{tag}" or "events-{@timestamp|YYYY.MM.dd}".
	Resource string

	// Schema describes the tuples passed to Writer.Write.
	Schema Schema

	// TupleFieldNames writes nested tuples with named fields as objects
	// rather than arrays. See Adapter.
	TupleFieldNames bool

	// SkipUnsupportedRecords drops records that have no canonical
	// representation instead of failing the session. Dropped records are
	// counted in Result.Skipped.
	SkipUnsupportedRecords bool

	// Operation holds the write semantics. Create, Update and Upsert
	// require IDField, or an alias onto _id.
	Operation Operation

	// IDField holds the path of the field used as document id.
	IDField string

	// ParentField holds the path of the field used as parent id. Unless
	// RoutingField is set, documents are routed by their parent.
	ParentField string

	// RoutingField holds the path of the field used as routing key.
	RoutingField string

	// VersionField holds the path of the field used as document version.
	VersionField string

	// VersionType holds the version type sent with VersionField, such as
	// "external" or "external_gte".
	VersionType string

	// FieldAliases maps source field paths to target field names.
	FieldAliases map[string]string

	// ExcludeFields lists field paths left out of the document body. They
	// may still be used for identity and index resolution.
	ExcludeFields []string

	// DisableDateDetection types ISO-8601 date strings as text rather
	// than date.
	DisableDateDetection bool

	// DisableIndexAutoCreate fails writes to indices that do not exist.
	DisableIndexAutoCreate bool

	// DisableMappingGrowth fails writes with fields absent from the mapping
	// instead of adding them.
	DisableMappingGrowth bool

	// IncludeTypeName writes document types into bulk requests, for
	// clusters older than 7.0.
	IncludeTypeName bool

	// IgnoreMissingDocuments records updates of missing documents as no-ops
	// instead of failing the session.
	IgnoreMissingDocuments bool

	// MappingRegistry holds an optional registry shared with other writers.
	//
	// If MappingRegistry is nil, the writer owns a registry of its own.
	MappingRegistry *MappingRegistry

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// FlushBytes holds the flush threshold in bytes. If Compression is enabled,
	// The number of documents that can be buffered will be greater.
	//
	// If FlushBytes is zero, the default of 1MB will be used.
	FlushBytes int

	// FlushDocuments holds the flush threshold in documents.
	//
	// If FlushDocuments is zero, the default of 1000 will be used.
	FlushDocuments int

	// FlushTimeout holds the flush timeout as a duration.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// MaxRetries holds the maximum number of times a bulk request, or a
	// document rejected with 429 or 5xx, is retried.
	//
	// If MaxRetries is zero, the default of 3 will be used. Negative values
	// disable retries.
	MaxRetries int

	// RetryBackoff holds the initial wait between retries, which grows
	// exponentially up to MaxRetryBackoff.
	//
	// If RetryBackoff is zero, the default of 1 second will be used.
	RetryBackoff time.Duration

	// MaxRetryBackoff holds the maximum wait between retries.
	//
	// If MaxRetryBackoff is zero, the default of 30 seconds will be used.
	MaxRetryBackoff time.Duration

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string
}

// DefaultConfig returns cfg with defaults applied to unset fields.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = 1024 * 1024
	}
	if cfg.FlushDocuments <= 0 {
		cfg.FlushDocuments = 1000
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 30 * time.Second
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	return cfg
}

// Validate checks the configuration before any request is made. Missing
// identity for operations that need one is reported as ErrIdentityRequired.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Resource) == "" {
		return fmt.Errorf("resource is empty")
	}
	if _, err := ParseResource(cfg.Resource); err != nil {
		return err
	}
	if cfg.Operation > OperationUpsert {
		return fmt.Errorf("unknown write operation %d", cfg.Operation)
	}
	if cfg.Operation.requiresID() && cfg.IDField == "" && !cfg.aliasesID() {
		return fmt.Errorf("%w: %s needs IDField to be set", ErrIdentityRequired, cfg.Operation)
	}
	switch cfg.VersionType {
	case "", "internal", "external", "external_gt", "external_gte", "force":
	default:
		return fmt.Errorf("unknown version type %q", cfg.VersionType)
	}
	if cfg.VersionType != "" && cfg.VersionField == "" && !cfg.aliasesMetadata(metaVersion) {
		return fmt.Errorf("version type %q needs VersionField to be set", cfg.VersionType)
	}
	return nil
}

func (cfg Config) aliasesID() bool {
	return cfg.aliasesMetadata(metaID)
}

func (cfg Config) aliasesMetadata(f metadataField) bool {
	for _, target := range cfg.FieldAliases {
		if strings.TrimSpace(target) == string(f) {
			return true
		}
	}
	return false
}
