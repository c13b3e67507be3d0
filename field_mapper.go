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
	"maps"
	"math"
	"slices"
	"strings"
)

// FieldType is an Elasticsearch field mapping type.
type FieldType string

const (
	FieldTypeText    FieldType = "text"
	FieldTypeLong    FieldType = "long"
	FieldTypeDouble  FieldType = "double"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
	FieldTypeObject  FieldType = "object"
)

// metadataField is a store-level metadata slot that an alias target may
// name instead of a body field.
type metadataField string

const (
	metaID      metadataField = "_id"
	metaRouting metadataField = "_routing"
	metaParent  metadataField = "_parent"
	metaVersion metadataField = "_version"
)

// Metadata holds document metadata routed out of the body by aliases.
type Metadata struct {
	ID      string
	Routing string
	Parent  string
	Version string
}

func (m *Metadata) set(f metadataField, v string) {
	switch f {
	case metaID:
		m.ID = v
	case metaRouting:
		m.Routing = v
	case metaParent:
		m.Parent = v
	case metaVersion:
		m.Version = v
	}
}

// MappedDocument is the result of mapping one canonical record.
type MappedDocument struct {
	// Body holds the document as it is written to the store.
	Body Value

	// Hints holds the inferred type of every mapped field, keyed by its
	// dot-delimited target path. Empty composites and nulls have no hint.
	Hints map[string]FieldType

	// Metadata holds values aliased onto store metadata fields.
	Metadata Metadata

	// excluded holds values left out of the body, so that identity and
	// index resolution can still reference them.
	excluded map[string]Value
}

// Lookup resolves a dot-delimited target path against the body, then
// against excluded fields.
func (d MappedDocument) Lookup(path string) (Value, bool) {
	if v, ok := d.Body.Lookup(path); ok {
		return v, true
	}
	v, ok := d.excluded[path]
	return v, ok
}

// FieldMapperConfig holds configuration for FieldMapper.
type FieldMapperConfig struct {
	// Aliases maps source field paths to target field names. Matching is
	// exact and case sensitive. A target naming a metadata field (_id,
	// _routing, _parent or _version) moves the value out of the body.
	Aliases map[string]string

	// Exclude lists field paths, source or target, left out of the body.
	Exclude []string

	// DateDetection types ISO-8601 date strings as date, the way
	// Elasticsearch dynamic mapping does.
	DateDetection bool
}

// FieldMapper renames fields and infers their store types.
type FieldMapper struct {
	aliases       map[string]string
	metadata      map[string]metadataField
	exclude       map[string]struct{}
	dateDetection bool
}

// NewFieldMapper returns a FieldMapper for cfg. Alias collisions, where two
// source fields with the same parent map to one target, are rejected here
// rather than at write time.
func NewFieldMapper(cfg FieldMapperConfig) (*FieldMapper, error) {
	m := &FieldMapper{
		aliases:       make(map[string]string, len(cfg.Aliases)),
		metadata:      make(map[string]metadataField),
		exclude:       make(map[string]struct{}, len(cfg.Exclude)),
		dateDetection: cfg.DateDetection,
	}
	targets := make(map[string]string, len(cfg.Aliases))
	metaSources := make(map[metadataField]string)
	// Iterate in a stable order so collision errors are deterministic.
	for _, src := range slices.Sorted(maps.Keys(cfg.Aliases)) {
		dst := strings.TrimSpace(cfg.Aliases[src])
		if src == "" || dst == "" {
			return nil, fmt.Errorf("invalid field alias %q:%q", src, dst)
		}
		if strings.HasPrefix(dst, "_") {
			f := metadataField(dst)
			switch f {
			case metaID, metaRouting, metaParent, metaVersion:
			default:
				return nil, fmt.Errorf("field alias %q targets unknown metadata field %q", src, dst)
			}
			if other, ok := metaSources[f]; ok {
				return nil, fmt.Errorf("fields %q and %q both alias metadata field %q", other, src, dst)
			}
			metaSources[f] = src
			m.metadata[src] = f
			continue
		}
		if strings.Contains(dst, ".") {
			return nil, fmt.Errorf("field alias target %q must be a field name, not a path", dst)
		}
		parent, _ := splitParent(src)
		key := joinPath(parent, dst)
		if other, ok := targets[key]; ok {
			return nil, fmt.Errorf("fields %q and %q both alias %q", other, src, dst)
		}
		targets[key] = src
		m.aliases[src] = dst
	}
	for _, f := range cfg.Exclude {
		if f = strings.TrimSpace(f); f != "" {
			m.exclude[f] = struct{}{}
		}
	}
	return m, nil
}

func splitParent(path string) (parent, leaf string) {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// Map converts a canonical record into its mapped document.
func (m *FieldMapper) Map(root Value) (MappedDocument, error) {
	if root.Kind() != KindMap {
		return MappedDocument{}, fmt.Errorf("%w: record must be a map, got %s", ErrUnsupportedRecordShape, root.Kind())
	}
	doc := MappedDocument{Hints: make(map[string]FieldType)}
	entries, err := m.mapEntries(root, "", "", &doc)
	if err != nil {
		return MappedDocument{}, err
	}
	doc.Body = Map(entries...)
	return doc, nil
}

func (m *FieldMapper) mapEntries(v Value, srcPrefix, dstPrefix string, doc *MappedDocument) ([]Entry, error) {
	out := make([]Entry, 0, v.Len())
	names := make(map[string]string, v.Len())
	for _, e := range v.Entries() {
		srcPath := joinPath(srcPrefix, e.Key)
		if f, ok := m.metadata[srcPath]; ok {
			s, ok := e.Value.scalarString()
			if !ok {
				return nil, fmt.Errorf("%w: metadata field %q from %q must be a scalar, got %s",
					ErrUnsupportedRecordShape, f, srcPath, e.Value.Kind())
			}
			doc.Metadata.set(f, s)
			continue
		}
		name := e.Key
		if alias, ok := m.aliases[srcPath]; ok {
			name = alias
		}
		dstPath := joinPath(dstPrefix, name)
		if m.excluded(srcPath, dstPath) {
			if doc.excluded == nil {
				doc.excluded = make(map[string]Value)
			}
			doc.excluded[dstPath] = e.Value
			continue
		}
		if other, dup := names[name]; dup {
			return nil, fmt.Errorf("%w: fields %q and %q both map to %q", ErrMappingConflict, other, srcPath, dstPath)
		}
		names[name] = srcPath

		mapped, keep, err := m.mapValue(e.Value, srcPath, dstPath, doc)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, Entry{Key: name, Value: mapped})
		}
	}
	return out, nil
}

// mapValue maps a single field value. keep is false for values that must be
// omitted from the body, which are empty composites.
func (m *FieldMapper) mapValue(v Value, srcPath, dstPath string, doc *MappedDocument) (Value, bool, error) {
	switch v.Kind() {
	case KindNull:
		return v, true, nil
	case KindMap:
		entries, err := m.mapEntries(v, srcPath, dstPath, doc)
		if err != nil {
			return Value{}, false, err
		}
		if len(entries) == 0 {
			return Value{}, false, nil
		}
		return Map(entries...), true, doc.addHint(dstPath, FieldTypeObject)
	case KindList, KindBag:
		items := make([]Value, 0, v.Len())
		for _, item := range v.Items() {
			mapped, keep, err := m.mapValue(item, srcPath, dstPath, doc)
			if err != nil {
				return Value{}, false, err
			}
			if keep {
				items = append(items, mapped)
			}
		}
		if len(items) == 0 {
			return Value{}, false, nil
		}
		if v.Kind() == KindBag {
			return BagOf(items...), true, nil
		}
		return List(items...), true, nil
	}
	if v.Kind() == KindFloat {
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, false, fmt.Errorf("%w: %v at %q has no JSON representation",
				ErrUnsupportedRecordShape, f, displayPath(srcPath))
		}
	}
	return v, true, doc.addHint(dstPath, m.scalarType(v))
}

func (m *FieldMapper) scalarType(v Value) FieldType {
	switch v.Kind() {
	case KindBool:
		return FieldTypeBoolean
	case KindInt:
		return FieldTypeLong
	case KindFloat:
		return FieldTypeDouble
	case KindTimestamp:
		return FieldTypeDate
	case KindString:
		if m.dateDetection {
			if _, ok := parseDateTime(v.Text()); ok {
				return FieldTypeDate
			}
		}
	}
	return FieldTypeText
}

func (m *FieldMapper) excluded(srcPath, dstPath string) bool {
	if len(m.exclude) == 0 {
		return false
	}
	_, src := m.exclude[srcPath]
	_, dst := m.exclude[dstPath]
	return src || dst
}

// addHint records the type of path. List elements share a path, so a path
// may be seen more than once within a record. Long and double widen to
// double and any other mix of scalars widens to text; a path holding both
// objects and scalars is a conflict.
func (d *MappedDocument) addHint(path string, t FieldType) error {
	prev, ok := d.Hints[path]
	switch {
	case !ok || prev == t:
		d.Hints[path] = t
	case prev == FieldTypeObject || t == FieldTypeObject:
		return fmt.Errorf("%w: field %q holds both %s and %s values", ErrMappingConflict, path, prev, t)
	case (prev == FieldTypeLong && t == FieldTypeDouble) || (prev == FieldTypeDouble && t == FieldTypeLong):
		d.Hints[path] = FieldTypeDouble
	default:
		d.Hints[path] = FieldTypeText
	}
	return nil
}
