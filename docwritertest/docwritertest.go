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

// Package docwritertest provides an in-memory Elasticsearch for testing
// document writers. It implements the bulk, get mapping, put mapping and
// create index APIs with document semantics close enough to the real thing
// to exercise create, update and upsert conflicts.
package docwritertest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
)

// TimestampFormat holds the time format for formatting timestamps according to
// Elasticsearch's strict_date_optional_time date format, which includes a fractional
// seconds component.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var esjson = jsoniter.Config{
	EscapeHTML:  true,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// Action is one operation of a bulk request.
type Action struct {
	// Type holds the action name: index, create or update.
	Type   string
	Meta   ActionMeta
	Source []byte
}

// ActionMeta holds the metadata line of a bulk action.
type ActionMeta struct {
	Index       string `json:"_index"`
	Type        string `json:"_type,omitempty"`
	ID          string `json:"_id,omitempty"`
	Routing     string `json:"routing,omitempty"`
	Parent      string `json:"parent,omitempty"`
	Version     *int64 `json:"version,omitempty"`
	VersionType string `json:"version_type,omitempty"`
}

// DecodeBulkRequest decodes a /_bulk request's body, decompressing it if
// needed.
func DecodeBulkRequest(r *http.Request) ([]Action, error) {
	body := r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = zr
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var actions []Action
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var meta map[string]ActionMeta
		if err := esjson.Unmarshal(line, &meta); err != nil {
			return nil, fmt.Errorf("invalid action line %q: %w", line, err)
		}
		if len(meta) != 1 {
			return nil, fmt.Errorf("expected one action in %q", line)
		}
		var action Action
		for action.Type, action.Meta = range meta {
		}
		if !scanner.Scan() {
			return nil, fmt.Errorf("expected source after %q", line)
		}
		action.Source = append([]byte{}, scanner.Bytes()...)
		if !esjson.Valid(action.Source) {
			return nil, fmt.Errorf("invalid JSON: %s", action.Source)
		}
		actions = append(actions, action)
	}
	return actions, scanner.Err()
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	router := mux.NewRouter()
	HandleBulk(router, bulkHandler)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return newClient(t, srv.URL)
}

// HandleBulk registers bulkHandler with router for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(router *mux.Router, bulkHandler http.HandlerFunc) {
	router.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	}).Methods(http.MethodPost, http.MethodPut)
}

func newClient(t testing.TB, url string) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{url},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	require.NoError(t, err)
	return client
}

// Document is a document held by Server.
type Document struct {
	Index   string
	ID      string
	Routing string
	Parent  string
	Version int64
	Source  map[string]any
}

// JSON returns the document source encoded with sorted keys.
func (d Document) JSON() string {
	b, _ := esjson.Marshal(d.Source)
	return string(b)
}

type index struct {
	mapping map[string]string
	docs    map[string]*Document
	nextID  int
}

func newIndex() *index {
	return &index{
		mapping: make(map[string]string),
		docs:    make(map[string]*Document),
	}
}

// Server is an in-memory Elasticsearch. Indices are created on first write,
// with dynamic mapping of new fields, like a default cluster.
type Server struct {
	// URL holds the base URL of the server.
	URL string

	// OnRequest, if set, is called before each request is handled.
	OnRequest func(r *http.Request)

	mu                 sync.Mutex
	indices            map[string]*index
	actions            []Action
	bulkRequests       int
	mappingGets        int
	mappingPuts        int
	indexCreates       int
	requestFailures    []int
	documentFailures   []int
	truncatedResponses int
}

// NewServer starts a Server that is closed via t.Cleanup.
func NewServer(t testing.TB) *Server {
	s := &Server{indices: make(map[string]*index)}
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Elastic-Product", "Elasticsearch")
			if s.OnRequest != nil {
				s.OnRequest(r)
			}
			next.ServeHTTP(w, r)
		})
	})
	router.HandleFunc("/_bulk", s.handleBulk).Methods(http.MethodPost, http.MethodPut)
	router.HandleFunc("/{index}/_mapping", s.handleGetMapping).Methods(http.MethodGet)
	router.HandleFunc("/{index}/_mapping", s.handlePutMapping).Methods(http.MethodPut, http.MethodPost)
	router.HandleFunc("/{index}/_mapping/{type}", s.handlePutMapping).Methods(http.MethodPut, http.MethodPost)
	router.HandleFunc("/{index}/{type}/_mapping", s.handlePutMapping).Methods(http.MethodPut, http.MethodPost)
	router.HandleFunc("/{index}", s.handleCreateIndex).Methods(http.MethodPut)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// Client returns a client for s.
func (s *Server) Client(t testing.TB) *elasticsearch.Client {
	return newClient(t, s.URL)
}

// CreateIndex creates an index with mapping, keyed by dot-delimited field
// path.
func (s *Server) CreateIndex(name string, mapping map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := newIndex()
	maps.Copy(idx.mapping, mapping)
	s.indices[name] = idx
}

// FailRequests makes the next bulk requests fail with the given statuses,
// one per request.
func (s *Server) FailRequests(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestFailures = append(s.requestFailures, statuses...)
}

// FailDocuments makes the next document operations fail with the given
// statuses, one per document.
func (s *Server) FailDocuments(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documentFailures = append(s.documentFailures, statuses...)
}

// TruncateResponses makes the next n bulk requests apply their documents
// and answer with a truncated body, as when the connection drops mid-response.
func (s *Server) TruncateResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncatedResponses += n
}

// Document returns the document with id in index.
func (s *Server) Document(index, id string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indices[index]; ok {
		if doc, ok := idx.docs[id]; ok {
			return *doc, true
		}
	}
	return Document{}, false
}

// Documents returns the documents of index ordered by id.
func (s *Server) Documents(index string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[index]
	if !ok {
		return nil
	}
	docs := make([]Document, 0, len(idx.docs))
	for _, id := range slices.Sorted(maps.Keys(idx.docs)) {
		docs = append(docs, *idx.docs[id])
	}
	return docs
}

// Indices returns the names of all indices.
func (s *Server) Indices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.indices))
}

// Mapping returns the mapping of index keyed by dot-delimited field path,
// or nil if the index does not exist.
func (s *Server) Mapping(index string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indices[index]; ok {
		return maps.Clone(idx.mapping)
	}
	return nil
}

// Actions returns every bulk action received, in order.
func (s *Server) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.actions)
}

// BulkRequests returns the number of bulk requests received.
func (s *Server) BulkRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkRequests
}

// MappingRequests returns the number of get mapping, put mapping and create
// index requests received.
func (s *Server) MappingRequests() (gets, puts, creates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappingGets, s.mappingPuts, s.indexCreates
}

type errorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type bulkItem struct {
	Index   string      `json:"_index"`
	ID      string      `json:"_id,omitempty"`
	Version int64       `json:"_version,omitempty"`
	Result  string      `json:"result,omitempty"`
	Status  int         `json:"status"`
	Error   *errorCause `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	esjson.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, reason string) {
	writeJSON(w, status, map[string]any{
		"error":  errorCause{Type: typ, Reason: reason},
		"status": status,
	})
}

func failureType(status int) string {
	if status == http.StatusTooManyRequests {
		return "es_rejected_execution_exception"
	}
	return "internal_server_error"
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	actions, err := DecodeBulkRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkRequests++
	s.actions = append(s.actions, actions...)
	if len(s.requestFailures) > 0 {
		status := s.requestFailures[0]
		s.requestFailures = s.requestFailures[1:]
		writeError(w, status, failureType(status), "injected failure")
		return
	}
	var failed bool
	items := make([]map[string]bulkItem, len(actions))
	for i, action := range actions {
		item := s.apply(action)
		failed = failed || item.Error != nil
		items[i] = map[string]bulkItem{action.Type: item}
	}
	if s.truncatedResponses > 0 {
		s.truncatedResponses--
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"took":1,"errors":false,"items":[{"index":{"_index":`))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"took":   1,
		"errors": failed,
		"items":  items,
	})
}

func (s *Server) apply(action Action) bulkItem {
	meta := action.Meta
	item := bulkItem{Index: meta.Index, ID: meta.ID}
	fail := func(status int, typ, reason string) bulkItem {
		item.Status = status
		item.Error = &errorCause{Type: typ, Reason: reason}
		return item
	}
	if len(s.documentFailures) > 0 {
		status := s.documentFailures[0]
		s.documentFailures = s.documentFailures[1:]
		return fail(status, failureType(status), "injected failure")
	}
	var source map[string]any
	if err := esjson.Unmarshal(action.Source, &source); err != nil {
		return fail(http.StatusBadRequest, "mapper_parsing_exception", err.Error())
	}
	idx, ok := s.indices[meta.Index]
	if !ok {
		idx = newIndex()
		s.indices[meta.Index] = idx
	}

	var upsert bool
	if action.Type == "update" {
		var update struct {
			Doc         map[string]any `json:"doc"`
			DocAsUpsert bool           `json:"doc_as_upsert"`
		}
		if err := esjson.Unmarshal(action.Source, &update); err != nil || update.Doc == nil {
			return fail(http.StatusBadRequest, "action_request_validation_exception", "Validation Failed: 1: script or doc is missing;")
		}
		source, upsert = update.Doc, update.DocAsUpsert
	}
	if meta.ID == "" {
		if action.Type != "index" && action.Type != "create" {
			return fail(http.StatusBadRequest, "action_request_validation_exception", "Validation Failed: 1: id is missing;")
		}
		idx.nextID++
		meta.ID = "auto-" + strconv.Itoa(idx.nextID)
		item.ID = meta.ID
	}
	if err := idx.mapFields("", source, false); err != nil {
		return fail(http.StatusBadRequest, "mapper_parsing_exception",
			fmt.Sprintf("%s in document with id '%s'. Preview of field's value: 'n/a'", err, meta.ID))
	}

	existing := idx.docs[meta.ID]
	switch action.Type {
	case "create":
		if existing != nil {
			return fail(http.StatusConflict, "version_conflict_engine_exception",
				fmt.Sprintf("[%s]: version conflict, document already exists (current version [%d])", meta.ID, existing.Version))
		}
	case "update":
		if existing == nil && !upsert {
			return fail(http.StatusNotFound, "document_missing_exception",
				fmt.Sprintf("[%s]: document missing", meta.ID))
		}
		if existing != nil {
			merged := mergeSource(cloneSource(existing.Source), source)
			if reflect.DeepEqual(merged, existing.Source) {
				item.Status, item.Result, item.Version = http.StatusOK, "noop", existing.Version
				return item
			}
			source = merged
		}
	}

	version := int64(1)
	if existing != nil {
		version = existing.Version + 1
	}
	if meta.Version != nil && meta.VersionType != "" && meta.VersionType != "internal" {
		if existing != nil && (*meta.Version < existing.Version ||
			*meta.Version == existing.Version && meta.VersionType != "external_gte" && meta.VersionType != "force") {
			return fail(http.StatusConflict, "version_conflict_engine_exception",
				fmt.Sprintf("[%s]: version conflict, current version [%d] is higher or equal to the one provided [%d]",
					meta.ID, existing.Version, *meta.Version))
		}
		version = *meta.Version
	}

	idx.mapFields("", source, true)
	idx.docs[meta.ID] = &Document{
		Index:   meta.Index,
		ID:      meta.ID,
		Routing: meta.Routing,
		Parent:  meta.Parent,
		Version: version,
		Source:  source,
	}
	item.Version = version
	if existing == nil {
		item.Status, item.Result = http.StatusCreated, "created"
	} else {
		item.Status, item.Result = http.StatusOK, "updated"
	}
	return item
}

// mapFields checks source against the mapping, adding unmapped fields when
// apply is set.
func (idx *index) mapFields(prefix string, source map[string]any, apply bool) error {
	for _, name := range slices.Sorted(maps.Keys(source)) {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if err := idx.mapValue(path, source[name], apply); err != nil {
			return err
		}
	}
	return nil
}

func (idx *index) mapValue(path string, v any, apply bool) error {
	switch v := v.(type) {
	case nil:
		return nil
	case []any:
		for _, elem := range v {
			if err := idx.mapValue(path, elem, apply); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		switch existing := idx.mapping[path]; existing {
		case "":
			if apply {
				idx.mapping[path] = "object"
			}
		case "object", "nested":
		default:
			return fmt.Errorf("failed to parse field [%s] of type [%s]", path, existing)
		}
		return idx.mapFields(path, v, apply)
	}
	existing, ok := idx.mapping[path]
	if !ok {
		if apply {
			idx.mapping[path] = dynamicType(v)
		}
		return nil
	}
	if !accepts(existing, v) {
		return fmt.Errorf("failed to parse field [%s] of type [%s]", path, existing)
	}
	return nil
}

func dynamicType(v any) string {
	switch v := v.(type) {
	case bool:
		return "boolean"
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return "long"
		}
		return "float"
	case string:
		if isDate(v) {
			return "date"
		}
	}
	return "text"
}

func accepts(typ string, v any) bool {
	switch typ {
	case "long", "integer", "short", "byte":
		switch v := v.(type) {
		case json.Number:
			_, err := v.Int64()
			return err == nil
		case string:
			_, err := strconv.ParseInt(v, 10, 64)
			return err == nil
		}
		return false
	case "double", "float", "half_float", "scaled_float":
		switch v := v.(type) {
		case json.Number:
			return true
		case string:
			_, err := strconv.ParseFloat(v, 64)
			return err == nil
		}
		return false
	case "boolean":
		switch v := v.(type) {
		case bool:
			return true
		case string:
			return v == "true" || v == "false"
		}
		return false
	case "date":
		switch v := v.(type) {
		case json.Number:
			_, err := v.Int64()
			return err == nil
		case string:
			return isDate(v)
		}
		return false
	case "object", "nested":
		return false
	}
	return true
}

func isDate(s string) bool {
	for _, layout := range []string{TimestampFormat, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func cloneSource(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			v = cloneSource(child)
		}
		out[k] = v
	}
	return out
}

// mergeSource merges src into dst the way partial updates do: objects are
// merged recursively, everything else is replaced.
func mergeSource(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if child, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				dst[k] = mergeSource(existing, child)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappingGets++
	idx, ok := s.indices[name]
	if !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", fmt.Sprintf("no such index [%s]", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		name: map[string]any{"mappings": nestProperties(idx.mapping)},
	})
}

func (s *Server) handlePutMapping(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	fields, err := readProperties(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "mapper_parsing_exception", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappingPuts++
	idx, ok := s.indices[name]
	if !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", fmt.Sprintf("no such index [%s]", name))
		return
	}
	for path, typ := range fields {
		if existing, ok := idx.mapping[path]; ok && existing != typ {
			writeError(w, http.StatusBadRequest, "illegal_argument_exception",
				fmt.Sprintf("mapper [%s] cannot be changed from type [%s] to [%s]", path, existing, typ))
			return
		}
	}
	maps.Copy(idx.mapping, fields)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	var body struct {
		Mappings jsoniter.RawMessage `json:"mappings"`
	}
	data, err := io.ReadAll(r.Body)
	if err == nil && len(bytes.TrimSpace(data)) > 0 {
		err = esjson.Unmarshal(data, &body)
	}
	mappings := body.Mappings
	if err == nil && len(mappings) > 0 && r.URL.Query().Get("include_type_name") == "true" {
		// {"<type>":{"properties":...}}
		var typed map[string]jsoniter.RawMessage
		if err = esjson.Unmarshal(mappings, &typed); err == nil && len(typed) > 1 {
			err = fmt.Errorf("expected one mapping type, got %d", len(typed))
		}
		mappings = nil
		for _, m := range typed {
			mappings = m
		}
	}
	var fields map[string]string
	if err == nil && len(mappings) > 0 {
		fields, err = readProperties(bytes.NewReader(mappings))
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "mapper_parsing_exception", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexCreates++
	if _, ok := s.indices[name]; ok {
		writeError(w, http.StatusBadRequest, "resource_already_exists_exception",
			fmt.Sprintf("index [%s/2Z1hTJMpTpWfNPEmDAnmhQ] already exists", name))
		return
	}
	idx := newIndex()
	maps.Copy(idx.mapping, fields)
	s.indices[name] = idx
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": name})
}

type property struct {
	Type       string              `json:"type"`
	Properties map[string]property `json:"properties"`
}

// readProperties flattens {"properties":{...}} into dot-delimited paths.
func readProperties(r io.Reader) (map[string]string, error) {
	var body struct {
		Properties map[string]property `json:"properties"`
	}
	if err := esjson.NewDecoder(r).Decode(&body); err != nil && err != io.EOF {
		return nil, err
	}
	fields := make(map[string]string)
	var walk func(prefix string, props map[string]property)
	walk = func(prefix string, props map[string]property) {
		for name, p := range props {
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			switch {
			case p.Type != "":
				fields[path] = p.Type
			case len(p.Properties) > 0:
				fields[path] = "object"
			}
			walk(path, p.Properties)
		}
	}
	walk("", body.Properties)
	return fields, nil
}

// nestProperties renders dot-delimited fields as {"properties":{...}}.
func nestProperties(fields map[string]string) map[string]any {
	root := map[string]any{}
	for _, path := range slices.Sorted(maps.Keys(fields)) {
		props := root
		names := strings.Split(path, ".")
		for i, name := range names {
			node, ok := props[name].(map[string]any)
			if !ok {
				node = map[string]any{}
				props[name] = node
			}
			if i == len(names)-1 {
				if typ := fields[path]; typ != "object" {
					node["type"] = typ
				}
				break
			}
			child, ok := node["properties"].(map[string]any)
			if !ok {
				child = map[string]any{}
				node["properties"] = child
			}
			props = child
		}
	}
	return map[string]any{"properties": root}
}
