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
	"math"

	"go.elastic.co/fastjson"
)

// encodeValue appends the JSON encoding of v. Lists and bags both encode as
// arrays; timestamps encode in TimestampFormat.
func encodeValue(w *fastjson.Writer, v Value) {
	switch v.Kind() {
	case KindNull:
		w.RawString("null")
	case KindBool:
		w.Bool(v.Bool())
	case KindInt:
		w.Int64(v.Int())
	case KindFloat:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			w.RawString("null")
		} else {
			w.Float64(f)
		}
	case KindString:
		w.String(v.Text())
	case KindTimestamp:
		w.String(v.Time().UTC().Format(TimestampFormat))
	case KindList, KindBag:
		w.RawByte('[')
		for i, item := range v.Items() {
			if i > 0 {
				w.RawByte(',')
			}
			encodeValue(w, item)
		}
		w.RawByte(']')
	case KindMap:
		w.RawByte('{')
		for i, e := range v.Entries() {
			if i > 0 {
				w.RawByte(',')
			}
			w.String(e.Key)
			w.RawByte(':')
			encodeValue(w, e.Value)
		}
		w.RawByte('}')
	}
}

// encodeDocument returns the JSON encoding of a document body.
func encodeDocument(v Value) []byte {
	var w fastjson.Writer
	encodeValue(&w, v)
	return w.Bytes()
}
