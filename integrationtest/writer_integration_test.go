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

package integrationtest

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docwriter"
	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	esapi7 "github.com/elastic/go-elasticsearch/v7/esapi"
	elasticsearch8 "github.com/elastic/go-elasticsearch/v8"
	esapi8 "github.com/elastic/go-elasticsearch/v8/esapi"
)

const N = 100

func skipUnlessIntegration(t *testing.T) {
	switch strings.ToLower(os.Getenv("INTEGRATION_TESTS")) {
	case "1", "true":
	default:
		t.Skip("Skipping integration test, export INTEGRATION_TESTS=1 to run")
	}
}

func writeArtists(t *testing.T, w *docwriter.Writer) {
	for i := 0; i < N; i++ {
		err := w.WriteValue(context.Background(), docwriter.Map(
			docwriter.Entry{Key: "id", Value: docwriter.Int(int64(i))},
			docwriter.Entry{Key: "name", Value: docwriter.String("artist")},
			docwriter.Entry{Key: "@timestamp", Value: docwriter.Timestamp(time.Now())},
		))
		require.NoError(t, err)
	}
	// Closing the writer flushes buffered documents.
	result, err := w.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(N), result.Written())
}

func TestWriterIntegrationV8(t *testing.T) {
	skipUnlessIntegration(t)
	const index = "docwriter-testing.v8"

	config := elasticsearch8.Config{}
	config.Username = "admin"
	config.Password = "changeme"
	client, err := elasticsearch8.NewClient(config)
	require.NoError(t, err)

	deleteIndex := func() {
		resp, err := esapi8.IndicesDeleteRequest{Index: []string{index}}.Do(context.Background(), client)
		require.NoError(t, err)
		defer resp.Body.Close()
	}
	deleteIndex()
	defer deleteIndex()

	w, err := docwriter.New(client, docwriter.Config{
		Resource:  index,
		IDField:   "id",
		Operation: docwriter.OperationUpsert,
	})
	require.NoError(t, err)
	writeArtists(t, w)

	// Check that docs are indexed.
	resp, err := esapi8.IndicesRefreshRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	resp.Body.Close()

	var result struct {
		Count int
	}
	resp, err = esapi8.CountRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&result)
	require.NoError(t, err)
	assert.Equal(t, N, result.Count)

	// Creating the same documents again is fatal.
	w, err = docwriter.New(client, docwriter.Config{
		Resource:  index,
		IDField:   "id",
		Operation: docwriter.OperationCreate,
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteValue(context.Background(), docwriter.Map(
		docwriter.Entry{Key: "id", Value: docwriter.Int(0)},
	)))
	_, err = w.Close(context.Background())
	assert.ErrorIs(t, err, docwriter.ErrDocumentAlreadyExists)
}

func TestWriterIntegrationV7(t *testing.T) {
	skipUnlessIntegration(t)
	const index = "docwriter-testing.v7"

	config := elasticsearch7.Config{}
	config.Username = "admin"
	config.Password = "changeme"
	client, err := elasticsearch7.NewClient(config)
	require.NoError(t, err)

	deleteIndex := func() {
		resp, err := esapi7.IndicesDeleteRequest{Index: []string{index}}.Do(context.Background(), client)
		require.NoError(t, err)
		defer resp.Body.Close()
	}
	deleteIndex()
	defer deleteIndex()

	w, err := docwriter.New(client, docwriter.Config{Resource: index, IDField: "id"})
	require.NoError(t, err)
	writeArtists(t, w)

	// Check that docs are indexed.
	resp, err := esapi7.IndicesRefreshRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	resp.Body.Close()

	var result struct {
		Count int
	}
	resp, err = esapi7.CountRequest{Index: []string{index}}.Do(context.Background(), client)
	require.NoError(t, err)
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&result)
	require.NoError(t, err)
	assert.Equal(t, N, result.Count)
}
