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

package docwriter_test

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-docwriter"
	"github.com/elastic/go-docwriter/docwritertest"
)

func newRegistry(t testing.TB, srv *docwritertest.Server, cfg docwriter.MappingRegistryConfig) *docwriter.MappingRegistry {
	t.Helper()
	cfg.Client = srv.Client(t)
	r, err := docwriter.NewMappingRegistry(cfg)
	require.NoError(t, err)
	return r
}

func TestMappingRegistryCreatesIndex(t *testing.T) {
	srv := docwritertest.NewServer(t)
	core, logs := observer.New(zap.InfoLevel)
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{Logger: zap.New(core)})
	target := docwriter.IndexTarget{Index: "artists", Type: "data"}

	snap, err := r.Reconcile(context.Background(), target, map[string]docwriter.FieldType{
		"name":       docwriter.FieldTypeText,
		"id":         docwriter.FieldTypeLong,
		"links":      docwriter.FieldTypeObject,
		"links.url":  docwriter.FieldTypeText,
		"created_at": docwriter.FieldTypeDate,
	})
	require.NoError(t, err)
	assert.Equal(t, "artists/data=[created_at=DATE, id=LONG, links.url=TEXT, name=TEXT]", snap.String())
	assert.Equal(t, map[string]string{
		"name":       "text",
		"id":         "long",
		"links":      "object",
		"links.url":  "text",
		"created_at": "date",
	}, srv.Mapping("artists"))

	gets, puts, creates := srv.MappingRequests()
	assert.Equal(t, [3]int{1, 0, 1}, [3]int{gets, puts, creates})
	require.Equal(t, 1, logs.FilterMessage("mapping updated").Len())

	// Known fields do not touch the network again.
	_, err = r.Reconcile(context.Background(), target, map[string]docwriter.FieldType{"name": docwriter.FieldTypeText})
	require.NoError(t, err)
	gets, puts, creates = srv.MappingRequests()
	assert.Equal(t, [3]int{1, 0, 1}, [3]int{gets, puts, creates})

	// New fields extend the mapping.
	snap, err = r.Reconcile(context.Background(), target, map[string]docwriter.FieldType{"score": docwriter.FieldTypeDouble})
	require.NoError(t, err)
	assert.Equal(t, docwriter.FieldTypeDouble, snap.Fields()["score"])
	assert.Equal(t, "double", srv.Mapping("artists")["score"])
	gets, puts, creates = srv.MappingRequests()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{gets, puts, creates})

	s, ok := r.Snapshot(target)
	require.True(t, ok)
	assert.Same(t, snap, s)
	assert.Equal(t, []*docwriter.SchemaSnapshot{snap}, r.Snapshots())
}

func TestMappingRegistryIncludeTypeName(t *testing.T) {
	srv := docwritertest.NewServer(t)
	var mu sync.Mutex
	var requests []string
	srv.OnRequest = func(r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests = append(requests, r.Method+" "+r.URL.Path+"?"+r.URL.Query().Get("include_type_name"))
	}
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{IncludeTypeName: true})
	target := docwriter.IndexTarget{Index: "artists", Type: "data"}

	_, err := r.Reconcile(context.Background(), target, map[string]docwriter.FieldType{"name": docwriter.FieldTypeText})
	require.NoError(t, err)
	snap, err := r.Reconcile(context.Background(), target, map[string]docwriter.FieldType{"score": docwriter.FieldTypeDouble})
	require.NoError(t, err)
	assert.Equal(t, "artists/data=[name=TEXT, score=DOUBLE]", snap.String())
	assert.Equal(t, map[string]string{"name": "text", "score": "double"}, srv.Mapping("artists"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 3)
	assert.Equal(t, "GET /artists/_mapping?", requests[0])
	assert.Equal(t, "PUT /artists?true", requests[1])
	assert.Contains(t, []string{"PUT /artists/_mapping/data?true", "PUT /artists/data/_mapping?true"}, requests[2])
}

func TestMappingRegistryTypelessTargets(t *testing.T) {
	srv := docwritertest.NewServer(t)
	var mu sync.Mutex
	var queries []string
	srv.OnRequest = func(r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		queries = append(queries, r.URL.RawQuery)
	}
	// Targets without a type, or registries not asked to, stay typeless.
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{IncludeTypeName: true})
	_, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{"name": docwriter.FieldTypeText})
	require.NoError(t, err)
	r = newRegistry(t, srv, docwriter.MappingRegistryConfig{})
	_, err = r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "albums", Type: "data"}, map[string]docwriter.FieldType{"name": docwriter.FieldTypeText})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, queries, 4)
	for _, q := range queries {
		assert.NotContains(t, q, "include_type_name")
	}
}

func TestMappingRegistryExistingMapping(t *testing.T) {
	srv := docwritertest.NewServer(t)
	srv.CreateIndex("artists", map[string]string{"id": "integer", "name": "keyword", "score": "float"})
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{})

	snap, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{
		"id":    docwriter.FieldTypeLong,
		"name":  docwriter.FieldTypeDate,
		"score": docwriter.FieldTypeLong,
	})
	require.NoError(t, err)
	assert.Equal(t, "artists=[id=INTEGER, name=KEYWORD, score=FLOAT]", snap.String())
	gets, puts, creates := srv.MappingRequests()
	assert.Equal(t, [3]int{1, 0, 0}, [3]int{gets, puts, creates})
}

func TestMappingRegistryConflict(t *testing.T) {
	srv := docwritertest.NewServer(t)
	srv.CreateIndex("artists", map[string]string{"id": "long"})
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{})

	_, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{
		"id": docwriter.FieldTypeText,
	})
	require.ErrorIs(t, err, docwriter.ErrMappingConflict)
	assert.EqualError(t, err, `mapping conflict: field "id" of artists is mapped as long, record holds text`)
}

func TestMappingRegistryGrowthDisabled(t *testing.T) {
	srv := docwritertest.NewServer(t)
	srv.CreateIndex("artists", map[string]string{"id": "long"})
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{DisableMappingGrowth: true})

	_, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{
		"id":   docwriter.FieldTypeLong,
		"name": docwriter.FieldTypeText,
	})
	assert.ErrorIs(t, err, docwriter.ErrMappingConflict)
	assert.ErrorContains(t, err, "name")
}

func TestMappingRegistryAutoCreateDisabled(t *testing.T) {
	srv := docwritertest.NewServer(t)
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{DisableIndexAutoCreate: true})

	_, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "missing"}, map[string]docwriter.FieldType{
		"id": docwriter.FieldTypeLong,
	})
	assert.ErrorIs(t, err, docwriter.ErrMappingConflict)
	assert.ErrorContains(t, err, "does not exist")
	assert.Empty(t, srv.Indices())
}

func TestMappingRegistryIndexAlreadyExists(t *testing.T) {
	srv := docwritertest.NewServer(t)
	var once sync.Once
	// Another worker creates the index between our fetch and create.
	srv.OnRequest = func(r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/artists" {
			once.Do(func() { srv.CreateIndex("artists", map[string]string{"id": "long"}) })
		}
	}
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{})

	snap, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{
		"id":   docwriter.FieldTypeLong,
		"name": docwriter.FieldTypeText,
	})
	require.NoError(t, err)
	assert.Equal(t, "artists=[id=LONG, name=TEXT]", snap.String())
	assert.Equal(t, map[string]string{"id": "long", "name": "text"}, srv.Mapping("artists"))

	gets, puts, creates := srv.MappingRequests()
	assert.Equal(t, [3]int{2, 1, 1}, [3]int{gets, puts, creates})
}

func TestMappingRegistryIndexAlreadyExistsConflict(t *testing.T) {
	srv := docwritertest.NewServer(t)
	var once sync.Once
	srv.OnRequest = func(r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/artists" {
			once.Do(func() { srv.CreateIndex("artists", map[string]string{"id": "keyword"}) })
		}
	}
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{})

	_, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{
		"id": docwriter.FieldTypeLong,
	})
	assert.ErrorIs(t, err, docwriter.ErrMappingConflict)
}

func TestMappingRegistryConcurrentFetch(t *testing.T) {
	srv := docwritertest.NewServer(t)
	srv.CreateIndex("artists", map[string]string{"id": "long"})
	r := newRegistry(t, srv, docwriter.MappingRegistryConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{
				"id": docwriter.FieldTypeLong,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	gets, _, _ := srv.MappingRequests()
	assert.LessOrEqual(t, gets, 10)
	assert.GreaterOrEqual(t, gets, 1)
	assert.Len(t, r.Snapshots(), 1)
}

func TestMappingRegistryTransportFailure(t *testing.T) {
	client := docwritertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {})
	r, err := docwriter.NewMappingRegistry(docwriter.MappingRegistryConfig{Client: client})
	require.NoError(t, err)
	// The mock only routes /_bulk, so the mapping request gets a 404 from
	// the router, which looks like a missing index; creation then fails.
	_, err = r.Reconcile(context.Background(), docwriter.IndexTarget{Index: "artists"}, map[string]docwriter.FieldType{
		"id": docwriter.FieldTypeLong,
	})
	assert.Error(t, err)
}
