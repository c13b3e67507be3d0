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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	esapiv7 "github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SchemaSnapshot is the store's field table for one index/type, as known to
// a MappingRegistry. Fields are keyed by dot-delimited path.
type SchemaSnapshot struct {
	Target IndexTarget

	exists    bool
	fields    map[string]FieldType
	validated map[string]FieldType
}

// Fields returns a copy of the field table.
func (s *SchemaSnapshot) Fields() map[string]FieldType {
	return maps.Clone(s.fields)
}

// String renders the snapshot as index/type=[field=TYPE, ...], sorted by
// field name. Object fields that only group sub-fields are left out.
func (s *SchemaSnapshot) String() string {
	names := make([]string, 0, len(s.fields))
	for name, t := range s.fields {
		if t == FieldTypeObject {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	var b strings.Builder
	b.WriteString(s.Target.String())
	b.WriteString("=[")
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.ToUpper(string(s.fields[name])))
	}
	b.WriteByte(']')
	return b.String()
}

// MappingRegistryConfig holds configuration for MappingRegistry.
type MappingRegistryConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// Logger holds an optional Logger. If nil, logging is disabled.
	Logger *zap.Logger

	// TracerProvider holds an optional OTel TracerProvider used to trace
	// mapping requests.
	TracerProvider trace.TracerProvider

	// DisableIndexAutoCreate makes a missing index a mapping conflict
	// instead of creating it.
	DisableIndexAutoCreate bool

	// DisableMappingGrowth makes fields absent from the store's mapping a
	// mapping conflict instead of adding them.
	DisableMappingGrowth bool

	// IncludeTypeName names the document type of index/type targets when
	// creating indices and updating mappings, for clusters older than 7.0.
	// Clusters from 6.7 on accept it too.
	IncludeTypeName bool
}

// MappingRegistry reconciles inferred field types with the mappings held by
// Elasticsearch, extending them when allowed. Mappings are fetched once per
// index/type; concurrent fetches of the same target are deduplicated.
//
// MappingRegistry is safe for concurrent use, so workers in one process may
// share a registry.
type MappingRegistry struct {
	config MappingRegistryConfig
	tracer trace.Tracer
	group  singleflight.Group

	mu        sync.Mutex
	snapshots map[IndexTarget]*SchemaSnapshot
}

// NewMappingRegistry returns a MappingRegistry for cfg.
func NewMappingRegistry(cfg MappingRegistryConfig) (*MappingRegistry, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = noop.NewTracerProvider()
	}
	return &MappingRegistry{
		config:    cfg,
		tracer:    cfg.TracerProvider.Tracer("github.com/elastic/go-docwriter.mappings"),
		snapshots: make(map[IndexTarget]*SchemaSnapshot),
	}, nil
}

// Snapshot returns the snapshot for target, if it has been reconciled.
func (r *MappingRegistry) Snapshot(target IndexTarget) (*SchemaSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snapshots[target]
	return s, ok
}

// Snapshots returns all reconciled snapshots ordered by target.
func (r *MappingRegistry) Snapshots() []*SchemaSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Collect(maps.Values(r.snapshots))
	slices.SortFunc(out, func(a, b *SchemaSnapshot) int {
		return strings.Compare(a.Target.String(), b.Target.String())
	})
	return out
}

// Reconcile checks hints against the mapping of target, fetching it on
// first use. Fields missing from the mapping are added; fields mapped with
// an incompatible type fail with ErrMappingConflict.
//
// Once a field has been accepted with a given type, later calls with the
// same field and type do not touch the network.
func (r *MappingRegistry) Reconcile(ctx context.Context, target IndexTarget, hints map[string]FieldType) (*SchemaSnapshot, error) {
	snap, err := r.load(ctx, target)
	if err != nil {
		return nil, err
	}
	staged, err := r.stage(snap, hints)
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 && snap.exists {
		return snap, nil
	}
	if len(staged) > 0 && r.config.DisableMappingGrowth {
		return nil, fmt.Errorf("%w: %s has no mapping for fields %s",
			ErrMappingConflict, target, strings.Join(slices.Sorted(maps.Keys(staged)), ", "))
	}

	ctx, span := r.tracer.Start(ctx, "docwriter.mapping.update", trace.WithAttributes(
		attribute.String("index", target.Index),
		attribute.Int("fields", len(staged)),
	))
	defer span.End()
	if err := r.extend(ctx, snap, staged); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mapping update failed")
		return nil, err
	}
	return snap, nil
}

// stage returns the hints absent from snap, marking compatible ones as
// validated.
func (r *MappingRegistry) stage(snap *SchemaSnapshot, hints map[string]FieldType) (map[string]FieldType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var staged map[string]FieldType
	for _, field := range slices.Sorted(maps.Keys(hints)) {
		incoming := hints[field]
		if snap.validated[field] == incoming {
			continue
		}
		existing, ok := snap.fields[field]
		if !ok {
			if staged == nil {
				staged = make(map[string]FieldType)
			}
			staged[field] = incoming
			continue
		}
		if !compatibleTypes(existing, incoming) {
			return nil, fmt.Errorf("%w: field %q of %s is mapped as %s, record holds %s",
				ErrMappingConflict, field, snap.Target, existing, incoming)
		}
		snap.validated[field] = incoming
	}
	return staged, nil
}

func (r *MappingRegistry) load(ctx context.Context, target IndexTarget) (*SchemaSnapshot, error) {
	if snap, ok := r.Snapshot(target); ok {
		return snap, nil
	}
	v, err, _ := r.group.Do(target.String(), func() (any, error) {
		if snap, ok := r.Snapshot(target); ok {
			return snap, nil
		}
		snap := &SchemaSnapshot{
			Target:    target,
			fields:    make(map[string]FieldType),
			validated: make(map[string]FieldType),
		}
		if err := r.fetch(ctx, snap); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.snapshots[target] = snap
		r.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SchemaSnapshot), nil
}

// fetch reads the remote mapping of snap.Target. A missing index leaves the
// snapshot empty with exists unset.
func (r *MappingRegistry) fetch(ctx context.Context, snap *SchemaSnapshot) error {
	res, err := esapi.IndicesGetMappingRequest{
		Index: []string{snap.Target.Index},
	}.Do(ctx, r.config.Client)
	if err != nil {
		return fmt.Errorf("%w: failed to get mapping of %s: %v", ErrTransportFailure, snap.Target, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("%w: failed to get mapping of %s: %s", ErrTransportFailure, snap.Target, res.String())
	}
	fields, err := decodeMappings(res.Body, snap.Target)
	if err != nil {
		return fmt.Errorf("failed to decode mapping of %s: %w", snap.Target, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.exists = true
	for k, v := range fields {
		snap.fields[k] = v
	}
	return nil
}

// extend creates the index when missing and adds staged fields.
func (r *MappingRegistry) extend(ctx context.Context, snap *SchemaSnapshot, staged map[string]FieldType) error {
	r.mu.Lock()
	exists := snap.exists
	r.mu.Unlock()
	if !exists {
		if r.config.DisableIndexAutoCreate {
			return fmt.Errorf("%w: index %s does not exist and auto creation is disabled",
				ErrMappingConflict, snap.Target.Index)
		}
		created, err := r.createIndex(ctx, snap, staged)
		if err != nil {
			return err
		}
		if created {
			r.commit(snap, staged)
			return nil
		}
		// Another worker created the index first; pick up its mapping and
		// check staged fields against it.
		if err := r.fetch(ctx, snap); err != nil {
			return err
		}
		if staged, err = r.stage(snap, staged); err != nil {
			return err
		}
		if len(staged) == 0 {
			return nil
		}
	}
	if err := r.putMapping(ctx, snap, staged); err != nil {
		return err
	}
	r.commit(snap, staged)
	return nil
}

func (r *MappingRegistry) commit(snap *SchemaSnapshot, staged map[string]FieldType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.exists = true
	for field, t := range staged {
		snap.fields[field] = t
		snap.validated[field] = t
	}
	r.config.Logger.Info("mapping updated",
		zap.String("index", snap.Target.String()),
		zap.Strings("fields", slices.Sorted(maps.Keys(staged))),
	)
}

// createIndex returns false when the index already exists.
func (r *MappingRegistry) createIndex(ctx context.Context, snap *SchemaSnapshot, staged map[string]FieldType) (bool, error) {
	typed := r.typed(snap.Target)
	body := []byte(`{}`)
	if len(staged) > 0 {
		var w fastjson.Writer
		w.RawString(`{"mappings":`)
		if typed {
			w.RawByte('{')
			w.String(snap.Target.Type)
			w.RawByte(':')
		}
		writeMappingBody(&w, staged)
		if typed {
			w.RawByte('}')
		}
		w.RawByte('}')
		body = w.Bytes()
	}
	var res *esapi.Response
	var err error
	if typed {
		res, err = fromV7(esapiv7.IndicesCreateRequest{
			Index:           snap.Target.Index,
			Body:            bytes.NewReader(body),
			IncludeTypeName: esapiv7.BoolPtr(true),
		}.Do(ctx, r.config.Client))
	} else {
		res, err = esapi.IndicesCreateRequest{
			Index: snap.Target.Index,
			Body:  bytes.NewReader(body),
		}.Do(ctx, r.config.Client)
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to create index %s: %v", ErrTransportFailure, snap.Target.Index, err)
	}
	defer res.Body.Close()
	if !res.IsError() {
		return true, nil
	}
	cause := decodeErrorCause(res.Body)
	switch {
	case cause.Type == "resource_already_exists_exception":
		r.config.Logger.Debug("index already exists", zap.String("index", snap.Target.Index))
		return false, nil
	case res.StatusCode == http.StatusBadRequest:
		return false, fmt.Errorf("%w: failed to create index %s: %s", ErrMappingConflict, snap.Target.Index, cause)
	}
	return false, fmt.Errorf("%w: failed to create index %s (%d): %s", ErrTransportFailure, snap.Target.Index, res.StatusCode, cause)
}

func (r *MappingRegistry) putMapping(ctx context.Context, snap *SchemaSnapshot, staged map[string]FieldType) error {
	var w fastjson.Writer
	writeMappingBody(&w, staged)
	var res *esapi.Response
	var err error
	if r.typed(snap.Target) {
		res, err = fromV7(esapiv7.IndicesPutMappingRequest{
			Index:           []string{snap.Target.Index},
			DocumentType:    snap.Target.Type,
			Body:            bytes.NewReader(w.Bytes()),
			IncludeTypeName: esapiv7.BoolPtr(true),
		}.Do(ctx, r.config.Client))
	} else {
		res, err = esapi.IndicesPutMappingRequest{
			Index: []string{snap.Target.Index},
			Body:  bytes.NewReader(w.Bytes()),
		}.Do(ctx, r.config.Client)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to update mapping of %s: %v", ErrTransportFailure, snap.Target, err)
	}
	defer res.Body.Close()
	if !res.IsError() {
		return nil
	}
	cause := decodeErrorCause(res.Body)
	if res.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: failed to update mapping of %s: %s", ErrMappingConflict, snap.Target, cause)
	}
	return fmt.Errorf("%w: failed to update mapping of %s (%d): %s", ErrTransportFailure, snap.Target, res.StatusCode, cause)
}

func (r *MappingRegistry) typed(target IndexTarget) bool {
	return r.config.IncludeTypeName && target.Type != ""
}

// fromV7 adapts a response of the 7.x API, which knows document types.
func fromV7(res *esapiv7.Response, err error) (*esapi.Response, error) {
	if err != nil {
		return nil, err
	}
	return &esapi.Response{StatusCode: res.StatusCode, Header: res.Header, Body: res.Body}, nil
}

// writeMappingBody writes {"properties":{...}} for dot-delimited fields,
// nesting object fields.
func writeMappingBody(w *fastjson.Writer, fields map[string]FieldType) {
	root := newPropertyNode()
	for _, path := range slices.Sorted(maps.Keys(fields)) {
		node := root
		for _, name := range strings.Split(path, ".") {
			child, ok := node.children[name]
			if !ok {
				child = newPropertyNode()
				node.children[name] = child
				node.order = append(node.order, name)
			}
			node = child
		}
		node.typ = fields[path]
	}
	root.writeProperties(w)
}

type propertyNode struct {
	typ      FieldType
	children map[string]*propertyNode
	order    []string
}

func newPropertyNode() *propertyNode {
	return &propertyNode{children: make(map[string]*propertyNode)}
}

func (n *propertyNode) writeProperties(w *fastjson.Writer) {
	w.RawString(`{"properties":{`)
	for i, name := range n.order {
		if i > 0 {
			w.RawByte(',')
		}
		child := n.children[name]
		w.String(name)
		w.RawByte(':')
		if len(child.order) > 0 {
			child.writeProperties(w)
			continue
		}
		w.RawString(`{"type":`)
		w.String(string(child.typ))
		w.RawByte('}')
	}
	w.RawString(`}}`)
}

type mappingProperty struct {
	Type       string                     `json:"type"`
	Properties map[string]mappingProperty `json:"properties"`
}

// decodeMappings flattens a get-mapping response. Both typeless
// ({"mappings":{"properties":...}}) and typed
// ({"mappings":{"<type>":{"properties":...}}}) shapes are understood.
func decodeMappings(r io.Reader, target IndexTarget) (map[string]FieldType, error) {
	var resp map[string]struct {
		Mappings map[string]jsoniter.RawMessage `json:"mappings"`
	}
	if err := jsoniter.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	fields := make(map[string]FieldType)
	for _, index := range resp {
		if raw, ok := index.Mappings["properties"]; ok {
			if err := flattenProperties(raw, fields); err != nil {
				return nil, err
			}
			continue
		}
		for typ, raw := range index.Mappings {
			if target.Type != "" && typ != target.Type {
				continue
			}
			var m struct {
				Properties jsoniter.RawMessage `json:"properties"`
			}
			if err := jsoniter.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
			if len(m.Properties) == 0 {
				continue
			}
			if err := flattenProperties(m.Properties, fields); err != nil {
				return nil, err
			}
		}
	}
	return fields, nil
}

func flattenProperties(raw jsoniter.RawMessage, out map[string]FieldType) error {
	var props map[string]mappingProperty
	if err := jsoniter.Unmarshal(raw, &props); err != nil {
		return err
	}
	var walk func(prefix string, props map[string]mappingProperty)
	walk = func(prefix string, props map[string]mappingProperty) {
		for name, p := range props {
			path := joinPath(prefix, name)
			switch {
			case p.Type != "":
				out[path] = FieldType(p.Type)
			case len(p.Properties) > 0:
				out[path] = FieldTypeObject
			}
			walk(path, p.Properties)
		}
	}
	walk("", props)
	return nil
}

type errorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (c errorCause) String() string {
	if c.Type == "" {
		return c.Reason
	}
	return c.Type + ": " + c.Reason
}

func decodeErrorCause(r io.Reader) errorCause {
	var resp struct {
		Error jsoniter.RawMessage `json:"error"`
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errorCause{Reason: err.Error()}
	}
	if err := jsoniter.Unmarshal(data, &resp); err != nil || len(resp.Error) == 0 {
		return errorCause{Reason: string(data)}
	}
	var cause errorCause
	if err := jsoniter.Unmarshal(resp.Error, &cause); err != nil {
		// Some endpoints report the error as a plain string.
		var reason string
		jsoniter.Unmarshal(resp.Error, &reason)
		return errorCause{Reason: reason}
	}
	return cause
}

// compatibleTypes reports whether values inferred as incoming can be
// written to a field mapped as existing without changing the mapping.
func compatibleTypes(existing, incoming FieldType) bool {
	if existing == incoming {
		return true
	}
	switch existing {
	case "text", "keyword", "string", "wildcard", "constant_keyword", "match_only_text":
		return incoming == FieldTypeText || incoming == FieldTypeDate
	case "long", "integer", "short", "byte", "unsigned_long":
		return incoming == FieldTypeLong
	case "double", "float", "half_float", "scaled_float":
		return incoming == FieldTypeDouble || incoming == FieldTypeLong
	case "date", "date_nanos":
		return incoming == FieldTypeDate || incoming == FieldTypeLong || incoming == FieldTypeText
	case "boolean":
		return false
	case "object", "nested", "flattened":
		return incoming == FieldTypeObject
	}
	// Types such as ip, geo_point or keyword families added later are
	// validated by Elasticsearch itself.
	return true
}
