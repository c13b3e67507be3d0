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
	"net/http"
	"strings"
	"sync"
)

// Outcome is the terminal result of writing one document.
type Outcome uint8

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeNoOp
	OutcomeVersionConflict
	OutcomeMappingConflict
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "Created"
	case OutcomeUpdated:
		return "Updated"
	case OutcomeNoOp:
		return "NoOp"
	case OutcomeVersionConflict:
		return "VersionConflict"
	case OutcomeMappingConflict:
		return "MappingConflict"
	case OutcomeTransportFailure:
		return "TransportFailure"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Result aggregates the outcomes of a write session.
type Result struct {
	Created           int64
	Updated           int64
	NoOp              int64
	VersionConflicts  int64
	MappingConflicts  int64
	TransportFailures int64

	// Skipped counts records dropped for having no canonical
	// representation, when Config.SkipUnsupportedRecords is set.
	Skipped int64

	// Retried counts documents sent again after a 429 or 5xx response.
	Retried int64

	// BulkRequests counts bulk requests sent, including retries.
	BulkRequests int64

	// BytesFlushed counts request body bytes, after compression.
	BytesFlushed int64
}

// Count returns the number of documents with outcome o.
func (r Result) Count(o Outcome) int64 {
	switch o {
	case OutcomeCreated:
		return r.Created
	case OutcomeUpdated:
		return r.Updated
	case OutcomeNoOp:
		return r.NoOp
	case OutcomeVersionConflict:
		return r.VersionConflicts
	case OutcomeMappingConflict:
		return r.MappingConflicts
	case OutcomeTransportFailure:
		return r.TransportFailures
	}
	return 0
}

// Written returns the number of documents that reached a terminal outcome.
func (r Result) Written() int64 {
	return r.Created + r.Updated + r.NoOp + r.VersionConflicts + r.MappingConflicts + r.TransportFailures
}

// classify maps a bulk response item to an outcome. retry reports whether
// the document may succeed if sent again.
func classify(item BulkIndexerResponseItem) (o Outcome, retry bool) {
	switch {
	case item.Status >= 200 && item.Status < 300:
		switch item.Result {
		case "created":
			return OutcomeCreated, false
		case "noop":
			return OutcomeNoOp, false
		case "updated":
			return OutcomeUpdated, false
		}
		if item.Status == http.StatusCreated {
			return OutcomeCreated, false
		}
		return OutcomeUpdated, false
	case item.Status == http.StatusConflict:
		return OutcomeVersionConflict, false
	case item.Status == http.StatusNotFound && item.Error.Type == "document_missing_exception":
		return OutcomeNoOp, false
	case item.Status == http.StatusTooManyRequests || item.Status >= 500:
		return OutcomeTransportFailure, true
	case item.Status == http.StatusBadRequest:
		return OutcomeMappingConflict, false
	}
	return OutcomeTransportFailure, false
}

// resultSink counts outcomes and latches the first fatal error of a
// session.
type resultSink struct {
	operation     Operation
	ignoreMissing bool

	mu     sync.Mutex
	result Result
	err    error
}

// record counts the outcome of item, returning the error that aborts the
// session if the outcome is fatal under the configured operation.
func (s *resultSink) record(item BulkIndexerResponseItem, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case OutcomeCreated:
		s.result.Created++
	case OutcomeUpdated:
		s.result.Updated++
	case OutcomeNoOp:
		s.result.NoOp++
		if item.Status == http.StatusNotFound && s.operation == OperationUpdate && !s.ignoreMissing {
			return s.latch(fmt.Errorf("%w: %s", ErrDocumentMissing, describeItem(item)))
		}
	case OutcomeVersionConflict:
		s.result.VersionConflicts++
		if s.operation == OperationCreate {
			return s.latch(fmt.Errorf("%w: %s", ErrDocumentAlreadyExists, describeItem(item)))
		}
	case OutcomeMappingConflict:
		s.result.MappingConflicts++
		return s.latch(fmt.Errorf("%w: %s", ErrMappingConflict, describeItem(item)))
	case OutcomeTransportFailure:
		s.result.TransportFailures++
		return s.latch(fmt.Errorf("%w: %s", ErrTransportFailure, describeItem(item)))
	}
	return nil
}

// failBatch counts n documents as transport failures and latches err.
func (s *resultSink) failBatch(n int, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.TransportFailures += int64(n)
	return s.latch(err)
}

// fail latches err without counting an outcome.
func (s *resultSink) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latch(err)
}

func (s *resultSink) latch(err error) error {
	if s.err == nil {
		s.err = err
	}
	return s.err
}

func (s *resultSink) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *resultSink) update(f func(*Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.result)
}

func (s *resultSink) snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func describeItem(item BulkIndexerResponseItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "document [%s] in index [%s] (status %d)", item.DocumentID, item.Index, item.Status)
	if item.Error.Type != "" {
		fmt.Fprintf(&b, ": %s: %s", item.Error.Type, item.Error.Reason)
	}
	return b.String()
}
