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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Setting keys understood by ParseSettings.
const (
	SettingResource             = "es.resource"
	SettingResourceWrite        = "es.resource.write"
	SettingWriteOperation       = "es.write.operation"
	SettingMappingID            = "es.mapping.id"
	SettingMappingParent        = "es.mapping.parent"
	SettingMappingRouting       = "es.mapping.routing"
	SettingMappingVersion       = "es.mapping.version"
	SettingMappingVersionType   = "es.mapping.version.type"
	SettingMappingNames         = "es.mapping.names"
	SettingMappingExclude       = "es.mapping.exclude"
	SettingIndexAutoCreate      = "es.index.auto.create"
	SettingMappingDateDetection = "es.mapping.date.detection"
	SettingMappingTupleNames    = "es.mapping.pig.tuple.use.field.names"
	SettingBatchSizeBytes       = "es.batch.size.bytes"
	SettingBatchSizeEntries     = "es.batch.size.entries"
	SettingBatchRetryCount      = "es.batch.write.retry.count"
	SettingBatchRetryWait       = "es.batch.write.retry.wait"
	SettingIngestPipeline       = "es.ingest.pipeline"
)

// ParseSettings builds a Config from connector settings. es.resource.write
// takes precedence over es.resource. Keys it does not know are ignored, so
// settings meant for readers may be passed as well.
//
// Only the write path is configured; observability fields are left for the
// caller to fill in.
func ParseSettings(settings map[string]string) (Config, error) {
	get := func(key string) string {
		return strings.TrimSpace(settings[key])
	}
	var cfg Config
	var errs []error
	fail := func(key string, err error) {
		errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
	}

	cfg.Resource = get(SettingResource)
	if v := get(SettingResourceWrite); v != "" {
		cfg.Resource = v
	}
	if v := get(SettingWriteOperation); v != "" {
		op, err := ParseOperation(v)
		if err != nil {
			fail(SettingWriteOperation, err)
		}
		cfg.Operation = op
	}
	cfg.IDField = get(SettingMappingID)
	cfg.ParentField = get(SettingMappingParent)
	cfg.RoutingField = get(SettingMappingRouting)
	cfg.VersionField = get(SettingMappingVersion)
	cfg.VersionType = get(SettingMappingVersionType)
	cfg.Pipeline = get(SettingIngestPipeline)

	if v := get(SettingMappingNames); v != "" {
		aliases, err := ParseAliases(v)
		if err != nil {
			fail(SettingMappingNames, err)
		}
		cfg.FieldAliases = aliases
	}
	if v := get(SettingMappingExclude); v != "" {
		cfg.ExcludeFields = splitList(v)
	}
	if v := get(SettingIndexAutoCreate); v != "" {
		b, err := parseBool(v)
		if err != nil {
			fail(SettingIndexAutoCreate, err)
		}
		cfg.DisableIndexAutoCreate = !b
	}
	if v := get(SettingMappingDateDetection); v != "" {
		b, err := parseBool(v)
		if err != nil {
			fail(SettingMappingDateDetection, err)
		}
		cfg.DisableDateDetection = !b
	}
	if v := get(SettingMappingTupleNames); v != "" {
		b, err := parseBool(v)
		if err != nil {
			fail(SettingMappingTupleNames, err)
		}
		cfg.TupleFieldNames = b
	}
	if v := get(SettingBatchSizeBytes); v != "" {
		n, err := ParseByteSize(v)
		if err != nil {
			fail(SettingBatchSizeBytes, err)
		}
		cfg.FlushBytes = int(n)
	}
	if v := get(SettingBatchSizeEntries); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n < 0 {
			err = errors.New("must not be negative")
		}
		if err != nil {
			fail(SettingBatchSizeEntries, err)
		}
		cfg.FlushDocuments = n
	}
	if v := get(SettingBatchRetryCount); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			fail(SettingBatchRetryCount, err)
		case n < 0:
			fail(SettingBatchRetryCount, errors.New("unbounded retries are not supported"))
		case n == 0:
			cfg.MaxRetries = -1
		default:
			cfg.MaxRetries = n
		}
	}
	if v := get(SettingBatchRetryWait); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			fail(SettingBatchRetryWait, err)
		}
		cfg.RetryBackoff = d
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseAliases parses a comma-separated list of source:target field pairs,
// such as "uRL:url, @timestamp:ts".
func ParseAliases(s string) (map[string]string, error) {
	aliases := make(map[string]string)
	for _, pair := range splitList(s) {
		src, dst, ok := strings.Cut(pair, ":")
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		if !ok || src == "" || dst == "" {
			return nil, fmt.Errorf("expected source:target, got %q", pair)
		}
		if prev, dup := aliases[src]; dup && prev != dst {
			return nil, fmt.Errorf("field %q aliased to both %q and %q", src, prev, dst)
		}
		aliases[src] = dst
	}
	return aliases, nil
}

// ParseByteSize parses sizes such as "512", "100b", "64kb" or "1mb", with
// binary multiples.
func ParseByteSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	i := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) && r != '.' })
	num, unit := s, ""
	if i >= 0 {
		num, unit = s[:i], strings.TrimSpace(s[i:])
	}
	var mult float64
	switch unit {
	case "", "b":
		mult = 1
	case "k", "kb":
		mult = 1 << 10
	case "m", "mb":
		mult = 1 << 20
	case "g", "gb":
		mult = 1 << 30
	default:
		return 0, fmt.Errorf("unknown size unit %q in %q", unit, s)
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(f * mult), nil
}

// parseDuration accepts Go durations and plain integers as milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true, nil
	case "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("expected true or false, got %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
