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
	"strconv"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTimestamp
	KindList
	KindBag
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindList:
		return "list"
	case KindBag:
		return "bag"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is the canonical, type-tagged form of one record or one of its
// fields. The zero Value is Null.
//
// Values are produced by Adapt and are never mutated afterwards; the Field
// Mapper builds new Values rather than rewriting existing ones.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	t     time.Time
	items []Value
	entry []Entry
}

// Entry is a single named field of a Map value.
type Entry struct {
	Key   string
	Value Value
}

func Null() Value                 { return Value{} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Int(i int64) Value           { return Value{kind: KindInt, i: i} }
func Float(f float64) Value       { return Value{kind: KindFloat, f: f} }
func String(s string) Value       { return Value{kind: KindString, s: s} }
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t} }

// List returns an ordered list value.
func List(items ...Value) Value { return Value{kind: KindList, items: items} }

// BagOf returns an unordered list value.
func BagOf(items ...Value) Value { return Value{kind: KindBag, items: items} }

// Map returns a map value holding entries in the given order. Keys must be
// unique; Adapt enforces this for engine input.
func Map(entries ...Entry) Value { return Value{kind: KindMap, entry: entries} }

func (v Value) Kind() Kind        { return v.kind }
func (v Value) Bool() bool        { return v.b }
func (v Value) Int() int64        { return v.i }
func (v Value) Float() float64    { return v.f }
func (v Value) Text() string      { return v.s }
func (v Value) Time() time.Time   { return v.t }
func (v Value) Items() []Value    { return v.items }
func (v Value) Entries() []Entry  { return v.entry }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsComposite() bool { return v.kind >= KindList }
func (v Value) isList() bool      { return v.kind == KindList || v.kind == KindBag }

// Len returns the number of items or entries of a composite value, and zero
// for scalars.
func (v Value) Len() int {
	switch v.kind {
	case KindList, KindBag:
		return len(v.items)
	case KindMap:
		return len(v.entry)
	}
	return 0
}

// Get returns the map entry named key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for _, e := range v.entry {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Lookup resolves a dot-delimited path through nested maps.
func (v Value) Lookup(path string) (Value, bool) {
	cur := v
	for {
		head, rest, more := cutPath(path)
		next, ok := cur.Get(head)
		if !ok {
			return Value{}, false
		}
		if !more {
			return next, true
		}
		cur, path = next, rest
	}
}

func cutPath(path string) (head, rest string, more bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}

// scalarString renders a scalar as the plain string used for ids, routing
// keys and index name substitution.
func (v Value) scalarString() (string, bool) {
	switch v.kind {
	case KindBool:
		if v.b {
			return "true", true
		}
		return "false", true
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64), true
	case KindString:
		return v.s, true
	case KindTimestamp:
		return v.t.UTC().Format(TimestampFormat), true
	}
	return "", false
}
