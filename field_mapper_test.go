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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docwriter"
)

func mapRecord(t testing.TB, cfg docwriter.FieldMapperConfig, record map[string]any) docwriter.MappedDocument {
	t.Helper()
	m, err := docwriter.NewFieldMapper(cfg)
	require.NoError(t, err)
	v, err := docwriter.Adapt(record, nil)
	require.NoError(t, err)
	doc, err := m.Map(v)
	require.NoError(t, err)
	return doc
}

func TestFieldMapperTypes(t *testing.T) {
	doc := mapRecord(t, docwriter.FieldMapperConfig{DateDetection: true}, map[string]any{
		"id":        1,
		"name":      "Led Zeppelin",
		"score":     7.5,
		"active":    true,
		"timestamp": time.Date(2001, 10, 6, 0, 0, 0, 0, time.UTC),
		"iso":       "2001-10-06T10:00:00Z",
		"tags":      []any{"a", "b"},
		"nums":      []any{1, 2.5},
		"nested":    map[string]any{"inner": "x"},
		"nothing":   nil,
	})
	assert.Equal(t, map[string]docwriter.FieldType{
		"id":           docwriter.FieldTypeLong,
		"name":         docwriter.FieldTypeText,
		"score":        docwriter.FieldTypeDouble,
		"active":       docwriter.FieldTypeBoolean,
		"timestamp":    docwriter.FieldTypeDate,
		"iso":          docwriter.FieldTypeDate,
		"tags":         docwriter.FieldTypeText,
		"nums":         docwriter.FieldTypeDouble,
		"nested":       docwriter.FieldTypeObject,
		"nested.inner": docwriter.FieldTypeText,
	}, doc.Hints)

	nothing, ok := doc.Body.Get("nothing")
	require.True(t, ok, "nulls are kept in the body")
	assert.True(t, nothing.IsNull())
}

func TestFieldMapperDateDetectionDisabled(t *testing.T) {
	doc := mapRecord(t, docwriter.FieldMapperConfig{}, map[string]any{"iso": "2001-10-06"})
	assert.Equal(t, docwriter.FieldTypeText, doc.Hints["iso"])
}

func TestFieldMapperEpochMillisDateTime(t *testing.T) {
	schema := docwriter.Schema{Fields: []docwriter.FieldSchema{{Name: "date", Type: docwriter.TypeDateTime}}}
	v, err := docwriter.AdaptRecord(docwriter.Tuple{int64(1002326400000)}, schema)
	require.NoError(t, err)
	m, err := docwriter.NewFieldMapper(docwriter.FieldMapperConfig{})
	require.NoError(t, err)
	doc, err := m.Map(v)
	require.NoError(t, err)
	assert.Equal(t, map[string]docwriter.FieldType{"date": docwriter.FieldTypeDate}, doc.Hints)
}

func TestFieldMapperEmptyStructures(t *testing.T) {
	schema := docwriter.Schema{Fields: []docwriter.FieldSchema{
		{Name: "tuple", Type: docwriter.TypeTuple},
		{Name: "bag", Type: docwriter.TypeBag},
		{Name: "map", Type: docwriter.TypeMap},
		{Name: "nested", Type: docwriter.TypeMap},
	}}
	v, err := docwriter.AdaptRecord(docwriter.Tuple{
		docwriter.Tuple{},
		docwriter.Bag{},
		map[string]any{},
		map[string]any{"empty": []any{}},
	}, schema)
	require.NoError(t, err)
	m, err := docwriter.NewFieldMapper(docwriter.FieldMapperConfig{})
	require.NoError(t, err)
	doc, err := m.Map(v)
	require.NoError(t, err)
	assert.Empty(t, doc.Hints)
	assert.Equal(t, 0, doc.Body.Len())
}

func TestFieldMapperAliases(t *testing.T) {
	doc := mapRecord(t, docwriter.FieldMapperConfig{
		Aliases: map[string]string{
			"name":       "artist",
			"links.uRL":  "address",
			"picture":    "pic",
			"unrelated":  "ignored",
			"nested.key": "renamed",
		},
	}, map[string]any{
		"name":    "Led Zeppelin",
		"uRL":     "http://example.com",
		"picture": "http://example.com/pic.jpg",
		"links":   map[string]any{"uRL": "http://example.com/links"},
	})
	assert.Equal(t, map[string]docwriter.FieldType{
		"artist":        docwriter.FieldTypeText,
		"uRL":           docwriter.FieldTypeText,
		"pic":           docwriter.FieldTypeText,
		"links":         docwriter.FieldTypeObject,
		"links.address": docwriter.FieldTypeText,
	}, doc.Hints)

	v, ok := doc.Body.Lookup("uRL")
	require.True(t, ok, "unaliased names keep their case")
	assert.Equal(t, "http://example.com", v.Text())
	_, ok = doc.Body.Lookup("url")
	assert.False(t, ok)
}

func TestFieldMapperAliasCollision(t *testing.T) {
	_, err := docwriter.NewFieldMapper(docwriter.FieldMapperConfig{
		Aliases: map[string]string{"a": "x", "b": "x"},
	})
	assert.EqualError(t, err, `fields "a" and "b" both alias "x"`)

	// Same target under different parents is fine.
	_, err = docwriter.NewFieldMapper(docwriter.FieldMapperConfig{
		Aliases: map[string]string{"p.a": "x", "q.a": "x"},
	})
	assert.NoError(t, err)

	_, err = docwriter.NewFieldMapper(docwriter.FieldMapperConfig{
		Aliases: map[string]string{"a": "_id", "b": "_id"},
	})
	assert.Error(t, err)

	_, err = docwriter.NewFieldMapper(docwriter.FieldMapperConfig{
		Aliases: map[string]string{"a": "_source"},
	})
	assert.Error(t, err)

	_, err = docwriter.NewFieldMapper(docwriter.FieldMapperConfig{
		Aliases: map[string]string{"a": "b.c"},
	})
	assert.Error(t, err)
}

func TestFieldMapperRuntimeCollision(t *testing.T) {
	m, err := docwriter.NewFieldMapper(docwriter.FieldMapperConfig{
		Aliases: map[string]string{"a": "b"},
	})
	require.NoError(t, err)
	v, err := docwriter.Adapt(map[string]any{"a": 1, "b": 2}, nil)
	require.NoError(t, err)
	_, err = m.Map(v)
	assert.ErrorIs(t, err, docwriter.ErrMappingConflict)
}

func TestFieldMapperMixedListTypes(t *testing.T) {
	doc := mapRecord(t, docwriter.FieldMapperConfig{DateDetection: true}, map[string]any{
		"pair":    []any{"one", 1},
		"flags":   []any{1, true},
		"numbers": []any{1, 2.5, int64(3)},
		"when":    []any{"2001-10-06", "yesterday"},
		"nested":  []any{[]any{1}, []any{"a"}},
	})
	assert.Equal(t, map[string]docwriter.FieldType{
		"pair":    docwriter.FieldTypeText,
		"flags":   docwriter.FieldTypeText,
		"numbers": docwriter.FieldTypeDouble,
		"when":    docwriter.FieldTypeText,
		"nested":  docwriter.FieldTypeText,
	}, doc.Hints)
	assert.Equal(t, 5, doc.Body.Len())
}

func TestFieldMapperObjectScalarConflict(t *testing.T) {
	m, err := docwriter.NewFieldMapper(docwriter.FieldMapperConfig{})
	require.NoError(t, err)
	v, err := docwriter.Adapt(map[string]any{"mixed": []any{map[string]any{"a": 1}, "x"}}, nil)
	require.NoError(t, err)
	_, err = m.Map(v)
	assert.ErrorIs(t, err, docwriter.ErrMappingConflict)
}

func TestFieldMapperNonFiniteFloat(t *testing.T) {
	m, err := docwriter.NewFieldMapper(docwriter.FieldMapperConfig{})
	require.NoError(t, err)
	_, err = m.Map(docwriter.Map(docwriter.Entry{Key: "score", Value: docwriter.Float(math.NaN())}))
	assert.ErrorIs(t, err, docwriter.ErrUnsupportedRecordShape)
	assert.ErrorContains(t, err, `"score"`)
}

func TestFieldMapperMetadataAndExclude(t *testing.T) {
	doc := mapRecord(t, docwriter.FieldMapperConfig{
		Aliases: map[string]string{"key": "_id", "owner": "_routing"},
		Exclude: []string{"secret", "nested.hidden"},
	}, map[string]any{
		"key":    "doc-1",
		"owner":  42,
		"secret": "s3cr3t",
		"nested": map[string]any{"hidden": 1, "shown": 2},
		"other":  "x",
	})
	assert.Equal(t, docwriter.Metadata{ID: "doc-1", Routing: "42"}, doc.Metadata)
	assert.Equal(t, map[string]docwriter.FieldType{
		"other":        docwriter.FieldTypeText,
		"nested":       docwriter.FieldTypeObject,
		"nested.shown": docwriter.FieldTypeLong,
	}, doc.Hints)

	_, ok := doc.Body.Get("key")
	assert.False(t, ok, "metadata fields leave the body")
	_, ok = doc.Body.Get("secret")
	assert.False(t, ok)

	// Excluded fields remain resolvable.
	v, ok := doc.Lookup("secret")
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", v.Text())
	v, ok = doc.Lookup("nested.hidden")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Int())
}

func TestFieldMapperRejectsNonMap(t *testing.T) {
	m, err := docwriter.NewFieldMapper(docwriter.FieldMapperConfig{})
	require.NoError(t, err)
	_, err = m.Map(docwriter.List(docwriter.Int(1)))
	assert.ErrorIs(t, err, docwriter.ErrUnsupportedRecordShape)
}
