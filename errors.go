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
	"net/http"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var (
	// ErrClosed is returned from methods of a closed Writer.
	ErrClosed = errors.New("document writer closed")

	// ErrUnsupportedRecordShape is returned when an engine value has no
	// canonical representation.
	ErrUnsupportedRecordShape = errors.New("unsupported record shape")

	// ErrUnresolvableIndexExpression is returned when a record lacks a field
	// referenced by the index pattern, or the field cannot be formatted.
	ErrUnresolvableIndexExpression = errors.New("unresolvable index expression")

	// ErrMappingConflict is returned when a field type disagrees with the
	// store's mapping, or the mapping cannot be extended.
	ErrMappingConflict = errors.New("mapping conflict")

	// ErrDocumentAlreadyExists is returned when a create operation targets
	// an id that is already taken.
	ErrDocumentAlreadyExists = errors.New("document already exists")

	// ErrDocumentMissing is returned when an update targets a missing
	// document and upserts are not enabled.
	ErrDocumentMissing = errors.New("document missing")

	// ErrTransportFailure is returned once bulk request retries are
	// exhausted.
	ErrTransportFailure = errors.New("transport failure")

	// ErrIdentityRequired is returned by New when the write operation needs
	// a document id but none is configured.
	ErrIdentityRequired = errors.New("write operation requires a document id")

	// ErrMissingIdentity is returned when a record lacks a configured
	// id, parent, routing or version field.
	ErrMissingIdentity = errors.New("missing identity field")

	// errDecodeResponse marks a bulk response that was delivered but could
	// not be decoded. The documents may have been written.
	errDecodeResponse = errors.New("error decoding bulk response")
)

// ErrorFlushFailed is returned when a bulk request fails as a whole.
type ErrorFlushFailed struct {
	resp        string
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
}

func newErrorFlushFailed(res *esapi.Response) ErrorFlushFailed {
	return ErrorFlushFailed{
		resp:        res.String(),
		statusCode:  res.StatusCode,
		tooMany:     res.StatusCode == http.StatusTooManyRequests,
		clientError: res.StatusCode >= 400 && res.StatusCode < 500,
		serverError: res.StatusCode >= 500,
	}
}

// StatusCode returns the HTTP status code of the failed request.
func (e ErrorFlushFailed) StatusCode() int {
	return e.statusCode
}

// retryable reports whether the request may succeed if sent again.
func (e ErrorFlushFailed) retryable() bool {
	return e.tooMany || e.serverError
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("flush failed (%d): %s", e.statusCode, e.resp)
}
