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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/fastjson"
)

func TestDecodeMappings(t *testing.T) {
	t.Run("typeless", func(t *testing.T) {
		fields, err := decodeMappings(strings.NewReader(`{"artists":{"mappings":{
			"properties":{
				"name":{"type":"text","fields":{"raw":{"type":"keyword"}}},
				"links":{"properties":{"url":{"type":"keyword"}}},
				"nested":{"type":"nested","properties":{"n":{"type":"long"}}}
			}}}}`), IndexTarget{Index: "artists"})
		require.NoError(t, err)
		assert.Equal(t, map[string]FieldType{
			"name":      "text",
			"links":     FieldTypeObject,
			"links.url": "keyword",
			"nested":    "nested",
			"nested.n":  "long",
		}, fields)
	})
	t.Run("typed", func(t *testing.T) {
		body := `{"artists":{"mappings":{
			"data":{"properties":{"name":{"type":"text"}}},
			"other":{"properties":{"name":{"type":"long"}}}
		}}}`
		fields, err := decodeMappings(strings.NewReader(body), IndexTarget{Index: "artists", Type: "data"})
		require.NoError(t, err)
		assert.Equal(t, map[string]FieldType{"name": "text"}, fields)
	})
	t.Run("empty", func(t *testing.T) {
		fields, err := decodeMappings(strings.NewReader(`{"artists":{"mappings":{}}}`), IndexTarget{Index: "artists"})
		require.NoError(t, err)
		assert.Empty(t, fields)
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := decodeMappings(strings.NewReader(`{"artists":`), IndexTarget{Index: "artists"})
		assert.Error(t, err)
	})
}

func TestCompatibleTypes(t *testing.T) {
	for _, tc := range []struct {
		existing FieldType
		incoming FieldType
		want     bool
	}{
		{"text", FieldTypeText, true},
		{"keyword", FieldTypeDate, true},
		{"keyword", FieldTypeLong, false},
		{"integer", FieldTypeLong, true},
		{"long", FieldTypeDouble, false},
		{"float", FieldTypeLong, true},
		{"date", FieldTypeLong, true},
		{"date", FieldTypeText, true},
		{"date", FieldTypeBoolean, false},
		{"boolean", FieldTypeBoolean, true},
		{"boolean", FieldTypeText, false},
		{"object", FieldTypeObject, true},
		{"object", FieldTypeText, false},
		{"geo_point", FieldTypeText, true},
	} {
		assert.Equal(t, tc.want, compatibleTypes(tc.existing, tc.incoming), "%s <- %s", tc.existing, tc.incoming)
	}
}

func TestWriteMappingBody(t *testing.T) {
	var w fastjson.Writer
	writeMappingBody(&w, map[string]FieldType{
		"name":       FieldTypeText,
		"links":      FieldTypeObject,
		"links.url":  FieldTypeText,
		"links.rank": FieldTypeLong,
		"created":    FieldTypeDate,
	})
	assert.Equal(t,
		`{"properties":{"created":{"type":"date"},"links":{"properties":{"rank":{"type":"long"},"url":{"type":"text"}}},"name":{"type":"text"}}}`,
		string(w.Bytes()),
	)
}

func TestDecodeErrorCause(t *testing.T) {
	cause := decodeErrorCause(strings.NewReader(`{"error":{"type":"resource_already_exists_exception","reason":"index [a] already exists"},"status":400}`))
	assert.Equal(t, "resource_already_exists_exception: index [a] already exists", cause.String())

	cause = decodeErrorCause(strings.NewReader(`{"error":"no handler found"}`))
	assert.Equal(t, errorCause{Reason: "no handler found"}, cause)

	cause = decodeErrorCause(strings.NewReader(`not json`))
	assert.Equal(t, "not json", cause.String())
}
