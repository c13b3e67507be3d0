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
	"math"
	"reflect"
	"slices"
	"strconv"
	"time"
)

// DataType is the engine-side declared type of a field.
type DataType uint8

const (
	TypeUnknown DataType = iota
	TypeBoolean
	TypeInteger
	TypeLong
	TypeFloat
	TypeDouble
	TypeChararray
	TypeBytearray
	TypeDateTime
	TypeTuple
	TypeBag
	TypeMap
)

// Schema describes the named fields of an engine tuple.
type Schema struct {
	Fields []FieldSchema
}

// FieldSchema describes one field of an engine tuple. Schema holds the
// nested tuple schema for tuple and bag fields.
type FieldSchema struct {
	Name   string
	Type   DataType
	Schema *Schema
}

// Tuple is an ordered engine structure. The top-level record tuple adapts to
// a Map named after its Schema; nested tuples adapt to a List unless an
// Adapter with TupleFieldNames set is used.
type Tuple []any

// Bag is an unordered engine collection.
type Bag []any

// Adapter converts engine values into their canonical form.
type Adapter struct {
	// TupleFieldNames adapts nested tuples described by a schema with named
	// fields to Maps, and keeps single-field tuples in bags as Maps, instead
	// of the default List and flattened element.
	TupleFieldNames bool
}

// AdaptRecord converts a top-level engine record into a canonical Map using
// the default Adapter.
func AdaptRecord(t Tuple, s Schema) (Value, error) {
	return Adapter{}.AdaptRecord(t, s)
}

// Adapt converts an engine value into its canonical form using the default
// Adapter.
func Adapt(v any, fs *FieldSchema) (Value, error) {
	return Adapter{}.Adapt(v, fs)
}

// AdaptRecord converts a top-level engine record into a canonical Map,
// naming each field after the schema. Fields beyond the schema are named
// val_<position>.
func (a Adapter) AdaptRecord(t Tuple, s Schema) (Value, error) {
	return a.adaptTuple(t, &s, "")
}

// Adapt converts an engine value into its canonical form. fs may be nil; when
// present its declared type disambiguates date/time values supplied as epoch
// milliseconds or strings.
func (a Adapter) Adapt(v any, fs *FieldSchema) (Value, error) {
	return a.adapt(v, fs, "")
}

func (a Adapter) adapt(v any, fs *FieldSchema, path string) (Value, error) {
	if fs != nil && fs.Type == TypeDateTime && v != nil {
		return adaptDateTime(v, path)
	}
	switch v := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return adaptUint(uint64(v), path)
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint64:
		return adaptUint(v, path)
	case float32:
		return adaptFloat(float64(v), path)
	case float64:
		return adaptFloat(v, path)
	case string:
		return String(v), nil
	case []byte:
		return String(string(v)), nil
	case time.Time:
		return Timestamp(v), nil
	case Tuple:
		var s *Schema
		if fs != nil {
			s = fs.Schema
		}
		if a.TupleFieldNames && s != nil && len(s.Fields) > 0 {
			return a.adaptTuple(v, s, path)
		}
		return a.adaptTupleItems(v, s, path)
	case Bag:
		var s *Schema
		if fs != nil {
			s = fs.Schema
		}
		return a.adaptBag(v, s, path)
	case []any:
		return a.adaptList(v, path)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		entries := make([]Entry, 0, len(keys))
		for _, k := range keys {
			item, err := a.adapt(v[k], nil, joinPath(path, k))
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, Entry{Key: k, Value: item})
		}
		return Map(entries...), nil
	}
	return Value{}, fmt.Errorf("%w: %s at %q", ErrUnsupportedRecordShape, reflect.TypeOf(v), displayPath(path))
}

func adaptUint(u uint64, path string) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: integer %d at %q overflows int64", ErrUnsupportedRecordShape, u, displayPath(path))
	}
	return Int(int64(u)), nil
}

func adaptFloat(f float64, path string) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: %v at %q has no JSON representation", ErrUnsupportedRecordShape, f, displayPath(path))
	}
	return Float(f), nil
}

func (a Adapter) adaptTuple(t Tuple, s *Schema, path string) (Value, error) {
	entries := make([]Entry, 0, len(t))
	seen := make(map[string]struct{}, len(t))
	for i, raw := range t {
		var fs *FieldSchema
		name := "val_" + strconv.Itoa(i)
		if i < len(s.Fields) {
			fs = &s.Fields[i]
			if fs.Name != "" {
				name = fs.Name
			}
		}
		if _, dup := seen[name]; dup {
			return Value{}, fmt.Errorf("%w: duplicate field %q", ErrUnsupportedRecordShape, joinPath(path, name))
		}
		seen[name] = struct{}{}
		item, err := a.adapt(raw, fs, joinPath(path, name))
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, Entry{Key: name, Value: item})
	}
	return Map(entries...), nil
}

// adaptTupleItems adapts t to a List, applying the field schema at each
// position when s has one.
func (a Adapter) adaptTupleItems(t Tuple, s *Schema, path string) (Value, error) {
	items := make([]Value, 0, len(t))
	for i, raw := range t {
		item, err := a.adapt(raw, s.field(i), path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
	return List(items...), nil
}

// adaptBag adapts the tuples of b as described by s. Unless TupleFieldNames
// is set, a single-field tuple stands for its only element.
func (a Adapter) adaptBag(b Bag, s *Schema, path string) (Value, error) {
	elem := &FieldSchema{Type: TypeTuple, Schema: s}
	items := make([]Value, 0, len(b))
	for i, raw := range b {
		itemPath := path + "[" + strconv.Itoa(i) + "]"
		var (
			item Value
			err  error
		)
		if t, ok := raw.(Tuple); ok && len(t) == 1 && !a.TupleFieldNames {
			item, err = a.adapt(t[0], s.field(0), itemPath)
		} else {
			item, err = a.adapt(raw, elem, itemPath)
		}
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
	return BagOf(items...), nil
}

func (a Adapter) adaptList(in []any, path string) (Value, error) {
	items := make([]Value, 0, len(in))
	for i, raw := range in {
		item, err := a.adapt(raw, nil, path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
	return List(items...), nil
}

// field returns the schema of the field at position i, or nil.
func (s *Schema) field(i int) *FieldSchema {
	if s == nil || i >= len(s.Fields) {
		return nil
	}
	return &s.Fields[i]
}

func adaptDateTime(v any, path string) (Value, error) {
	switch v := v.(type) {
	case time.Time:
		return Timestamp(v), nil
	case int64:
		return Timestamp(time.UnixMilli(v).UTC()), nil
	case int:
		return Timestamp(time.UnixMilli(int64(v)).UTC()), nil
	case string:
		t, ok := parseDateTime(v)
		if !ok {
			return Value{}, fmt.Errorf("%w: %q at %q is not a date/time", ErrUnsupportedRecordShape, v, displayPath(path))
		}
		return Timestamp(t), nil
	case Value:
		return v, nil
	}
	return Value{}, fmt.Errorf("%w: %s at %q is not a date/time", ErrUnsupportedRecordShape, reflect.TypeOf(v), displayPath(path))
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func displayPath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
