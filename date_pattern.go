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
	"strings"
	"time"
)

// TimestampFormat holds the time format for formatting timestamps according to
// Elasticsearch's strict_date_optional_time date format, which includes a fractional
// seconds component.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// dateLayouts are tried in order when parsing date/time strings. They cover
// the strict_date_optional_time shapes used by Elasticsearch date detection.
var dateLayouts = []string{
	time.RFC3339Nano,
	TimestampFormat,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02") || s[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// datePattern is a compiled Joda-style date pattern such as YYYY-MM-dd or
// yyyy.MM.dd'T'HH. Letters repeat to select the width of a field; text in
// single quotes is literal and '' is a quote.
type datePattern struct {
	source string
	parts  []datePart
}

type datePart struct {
	letter  byte
	count   int
	literal string
}

func compileDatePattern(pattern string) (datePattern, error) {
	dp := datePattern{source: pattern}
	var lit strings.Builder
	flushLit := func() {
		if lit.Len() > 0 {
			dp.parts = append(dp.parts, datePart{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == '\'':
			if i+1 < len(pattern) && pattern[i+1] == '\'' {
				lit.WriteByte('\'')
				i += 2
				continue
			}
			end := strings.IndexByte(pattern[i+1:], '\'')
			if end < 0 {
				return datePattern{}, fmt.Errorf("unterminated quote in date pattern %q", pattern)
			}
			lit.WriteString(pattern[i+1 : i+1+end])
			i += end + 2
		case isASCIILetter(c):
			if !strings.ContainsRune(supportedDateLetters, rune(c)) {
				return datePattern{}, fmt.Errorf("unsupported letter %q in date pattern %q", c, pattern)
			}
			n := 1
			for i+n < len(pattern) && pattern[i+n] == c {
				n++
			}
			flushLit()
			dp.parts = append(dp.parts, datePart{letter: c, count: n})
			i += n
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flushLit()
	return dp, nil
}

const supportedDateLetters = "GyYuMdDEeaHkKhmsSwZXz"

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Format renders t, converted to UTC, according to the pattern.
func (dp datePattern) Format(t time.Time) string {
	t = t.UTC()
	var b strings.Builder
	for _, p := range dp.parts {
		if p.letter == 0 {
			b.WriteString(p.literal)
			continue
		}
		switch p.letter {
		case 'G':
			b.WriteString("AD")
		case 'y', 'Y', 'u':
			if p.count == 2 {
				pad(&b, t.Year()%100, 2)
			} else {
				pad(&b, t.Year(), p.count)
			}
		case 'M':
			switch p.count {
			case 1, 2:
				pad(&b, int(t.Month()), p.count)
			case 3:
				b.WriteString(t.Month().String()[:3])
			default:
				b.WriteString(t.Month().String())
			}
		case 'd':
			pad(&b, t.Day(), p.count)
		case 'D':
			pad(&b, t.YearDay(), p.count)
		case 'E':
			if p.count <= 3 {
				b.WriteString(t.Weekday().String()[:3])
			} else {
				b.WriteString(t.Weekday().String())
			}
		case 'e':
			wd := int(t.Weekday())
			if wd == 0 {
				wd = 7
			}
			pad(&b, wd, p.count)
		case 'w':
			_, week := t.ISOWeek()
			pad(&b, week, p.count)
		case 'a':
			if t.Hour() < 12 {
				b.WriteString("AM")
			} else {
				b.WriteString("PM")
			}
		case 'H':
			pad(&b, t.Hour(), p.count)
		case 'k':
			h := t.Hour()
			if h == 0 {
				h = 24
			}
			pad(&b, h, p.count)
		case 'K':
			pad(&b, t.Hour()%12, p.count)
		case 'h':
			h := t.Hour() % 12
			if h == 0 {
				h = 12
			}
			pad(&b, h, p.count)
		case 'm':
			pad(&b, t.Minute(), p.count)
		case 's':
			pad(&b, t.Second(), p.count)
		case 'S':
			frac := fmt.Sprintf("%09d", t.Nanosecond())
			if p.count <= len(frac) {
				b.WriteString(frac[:p.count])
			} else {
				b.WriteString(frac + strings.Repeat("0", p.count-len(frac)))
			}
		case 'Z':
			switch p.count {
			case 1:
				b.WriteString(t.Format("-0700"))
			case 2:
				b.WriteString(t.Format("-07:00"))
			default:
				b.WriteString(t.Location().String())
			}
		case 'X':
			switch p.count {
			case 1:
				b.WriteString(t.Format("Z07"))
			case 2:
				b.WriteString(t.Format("Z0700"))
			default:
				b.WriteString(t.Format("Z07:00"))
			}
		case 'z':
			b.WriteString(t.Format("MST"))
		}
	}
	return b.String()
}

func (dp datePattern) String() string {
	return dp.source
}

func pad(b *strings.Builder, v, width int) {
	s := strconv.Itoa(v)
	for i := len(s); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}
