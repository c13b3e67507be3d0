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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDocument(t *testing.T) {
	v := Map(
		Entry{Key: "s", Value: String(`quote " and \ slash`)},
		Entry{Key: "i", Value: Int(-7)},
		Entry{Key: "f", Value: Float(1.5)},
		Entry{Key: "nan", Value: Float(math.NaN())},
		Entry{Key: "b", Value: Bool(false)},
		Entry{Key: "n", Value: Null()},
		Entry{Key: "t", Value: Timestamp(time.Date(2001, 10, 6, 22, 19, 0, 0, time.FixedZone("CEST", 2*3600)))},
		Entry{Key: "l", Value: List(Int(1), String("two"))},
		Entry{Key: "bag", Value: BagOf(Map(Entry{Key: "k", Value: Int(1)}))},
	)
	assert.JSONEq(t, `{
		"s":   "quote \" and \\ slash",
		"i":   -7,
		"f":   1.5,
		"nan": null,
		"b":   false,
		"n":   null,
		"t":   "2001-10-06T20:19:00.000Z",
		"l":   [1, "two"],
		"bag": [{"k": 1}]
	}`, string(encodeDocument(v)))
}

func TestEncodeDocumentKeepsOrder(t *testing.T) {
	v := Map(Entry{Key: "z", Value: Int(1)}, Entry{Key: "a", Value: Int(2)})
	assert.Equal(t, `{"z":1,"a":2}`, string(encodeDocument(v)))
	assert.Equal(t, `{}`, string(encodeDocument(Map())))
}

func TestDatePatternFormat(t *testing.T) {
	ts := time.Date(2001, 7, 4, 9, 5, 3, 120_000_000, time.UTC)
	for pattern, want := range map[string]string{
		"YYYY-MM-dd":     "2001-07-04",
		"yyyy.MM.dd":     "2001.07.04",
		"yyMMdd":         "010704",
		"HH:mm:ss.SSS":   "09:05:03.120",
		"G yyyy":         "AD 2001",
		"EEEE e":         "Wednesday 3",
		"kk KK hh a":     "09 09 09 AM",
		"'literal'-yyyy": "literal-2001",
		"ZZ":             "+00:00",
		"XXX":            "Z",
		"uuuu-DDD":       "2001-185",
		"X XX":           "Z Z",
		"ww":             "27",
	} {
		dp, err := compileDatePattern(pattern)
		if assert.NoError(t, err, pattern) {
			assert.Equal(t, want, dp.Format(ts), pattern)
			assert.Equal(t, pattern, dp.String())
		}
	}
}

func TestParseDateTime(t *testing.T) {
	for _, s := range []string{"2001-10-06", "2001-10-06T22:19", "2001-10-06T22:19:00", "2001-10-06T22:19:00.123Z", "2001-10-06T22:19:00+02:00"} {
		_, ok := parseDateTime(s)
		assert.True(t, ok, s)
	}
	for _, s := range []string{"", "2001", "20011006", "Oct 6 2001", "2001-13-06", "12345-10-06"} {
		_, ok := parseDateTime(s)
		assert.False(t, ok, s)
	}
}
