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
)

// IndexTarget is the resolved location of one document.
type IndexTarget struct {
	Index string
	Type  string
}

func (t IndexTarget) String() string {
	if t.Type == "" {
		return t.Index
	}
	return t.Index + "/" + t.Type
}

// IndexPattern is a parsed write resource, "index" or "index/type", where
// either part may hold {field} or {field|date pattern} tokens substituted
// per record.
type IndexPattern struct {
	source string
	index  []patternPart
	typ    []patternPart
	static bool
}

type patternPart struct {
	literal string
	field   string
	format  *datePattern
}

// ParseResource parses a write resource such as "logs-{tag}/data" or
// "events-{timestamp|YYYY-MM-dd}".
func ParseResource(resource string) (IndexPattern, error) {
	resource = strings.TrimSpace(resource)
	p := IndexPattern{source: resource, static: true}
	var cur []patternPart
	var lit strings.Builder
	seenSlash := false
	flushLit := func() {
		if lit.Len() > 0 {
			cur = append(cur, patternPart{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(resource); i++ {
		c := resource[i]
		switch c {
		case '{':
			end := strings.IndexByte(resource[i:], '}')
			if end < 0 {
				return IndexPattern{}, fmt.Errorf("unclosed '{' in resource %q", resource)
			}
			token := resource[i+1 : i+end]
			part, err := parseToken(token)
			if err != nil {
				return IndexPattern{}, fmt.Errorf("invalid resource %q: %w", resource, err)
			}
			flushLit()
			cur = append(cur, part)
			p.static = false
			i += end
		case '}':
			return IndexPattern{}, fmt.Errorf("unexpected '}' in resource %q", resource)
		case '/':
			if seenSlash {
				return IndexPattern{}, fmt.Errorf("resource %q must be of the form index or index/type", resource)
			}
			seenSlash = true
			flushLit()
			p.index, cur = cur, nil
		default:
			lit.WriteByte(c)
		}
	}
	flushLit()
	if seenSlash {
		p.typ = cur
		if len(p.typ) == 0 {
			return IndexPattern{}, fmt.Errorf("resource %q has an empty type", resource)
		}
	} else {
		p.index = cur
	}
	if len(p.index) == 0 {
		return IndexPattern{}, fmt.Errorf("resource %q has an empty index", resource)
	}
	return p, nil
}

func parseToken(token string) (patternPart, error) {
	field, format, hasFormat := strings.Cut(token, "|")
	field = strings.TrimSpace(field)
	if field == "" {
		return patternPart{}, fmt.Errorf("empty field reference in {%s}", token)
	}
	part := patternPart{field: field}
	if hasFormat {
		format = strings.TrimSpace(format)
		if format == "" {
			return patternPart{}, fmt.Errorf("empty date pattern in {%s}", token)
		}
		dp, err := compileDatePattern(format)
		if err != nil {
			return patternPart{}, err
		}
		part.format = &dp
	}
	return part, nil
}

// Static reports whether the pattern has no field tokens.
func (p IndexPattern) Static() bool {
	return p.static
}

func (p IndexPattern) String() string {
	return p.source
}

// Resolve substitutes the pattern tokens with field values of doc.
func (p IndexPattern) Resolve(doc Value) (IndexTarget, error) {
	return p.resolve(doc.Lookup)
}

func (p IndexPattern) resolve(lookup func(string) (Value, bool)) (IndexTarget, error) {
	index, err := p.render(p.index, lookup)
	if err != nil {
		return IndexTarget{}, err
	}
	typ, err := p.render(p.typ, lookup)
	if err != nil {
		return IndexTarget{}, err
	}
	return IndexTarget{Index: index, Type: typ}, nil
}

func (p IndexPattern) render(parts []patternPart, lookup func(string) (Value, bool)) (string, error) {
	if len(parts) == 1 && parts[0].field == "" {
		return parts[0].literal, nil
	}
	var b strings.Builder
	for _, part := range parts {
		if part.field == "" {
			b.WriteString(part.literal)
			continue
		}
		v, ok := lookup(part.field)
		if !ok || v.IsNull() {
			return "", fmt.Errorf("%w: field %q referenced by %q is missing",
				ErrUnresolvableIndexExpression, part.field, p.source)
		}
		if part.format != nil {
			t, ok := valueTime(v)
			if !ok {
				return "", fmt.Errorf("%w: field %q referenced by %q is not a date/time (%s)",
					ErrUnresolvableIndexExpression, part.field, p.source, v.Kind())
			}
			b.WriteString(part.format.Format(t))
			continue
		}
		s, ok := v.scalarString()
		if !ok {
			return "", fmt.Errorf("%w: field %q referenced by %q is a %s, not a scalar",
				ErrUnresolvableIndexExpression, part.field, p.source, v.Kind())
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// valueTime interprets v as a point in time: timestamps as is, strings as
// ISO-8601 and integers as epoch milliseconds.
func valueTime(v Value) (time.Time, bool) {
	switch v.Kind() {
	case KindTimestamp:
		return v.Time(), true
	case KindString:
		return parseDateTime(v.Text())
	case KindInt:
		return time.UnixMilli(v.Int()).UTC(), true
	}
	return time.Time{}, false
}
