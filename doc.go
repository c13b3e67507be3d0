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

// Package docwriter writes records from a data processing engine into
// Elasticsearch.
//
// Records are adapted into a canonical value model, mapped into documents
// with inferred field types, and routed to an index resolved from a static
// or per-record resource pattern. Field types are reconciled with the
// index mapping before any document that uses them is sent, extending the
// mapping when a field is new. Documents are written with the bulk API as
// index, create, update or upsert operations, and every per-document
// outcome is classified into a session Result.
//
// The write path favours failing fast: the first fatal outcome aborts the
// session, while transient rejections (429 and 5xx) are retried with
// exponential backoff.
package docwriter
