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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unsafe"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// IncludeTypeName writes the _type of each target into the action line.
	// Only clusters older than 7.0 accept it.
	IncludeTypeName bool
}

// Validate checks the configuration.
func (cfg BulkIndexerConfig) Validate() error {
	if cfg.Client == nil {
		return errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return nil
}

// BulkIndexer encodes documents into a single bulk request body and
// executes it. It is not safe for concurrent use.
type BulkIndexer struct {
	config                   BulkIndexerConfig
	itemsAdded               int
	bytesFlushed             int
	bytesUncompressedFlushed int
	jsonw                    fastjson.Writer
	writer                   *countWriter
	gzipw                    *gzip.Writer
	buf                      bytes.Buffer
}

// BulkIndexerResponseStat holds the per-item results of one bulk request, in
// request order.
type BulkIndexerResponseStat struct {
	Items  []BulkIndexerResponseItem
	Failed int64
}

// BulkIndexerResponseItem represents the Elasticsearch response item.
type BulkIndexerResponseItem struct {
	Action     string `json:"-"`
	Index      string `json:"_index"`
	DocumentID string `json:"_id"`
	Status     int    `json:"status"`
	Result     string `json:"result"`

	Position int

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// Failed reports whether the item was rejected.
func (i BulkIndexerResponseItem) Failed() bool {
	return i.Error.Type != "" || i.Status > 201
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("docwriter.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*BulkIndexerResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "items":
				var idx int
				iter.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
						item := BulkIndexerResponseItem{Action: action}
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "_id":
								item.DocumentID = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "result":
								item.Result = i.ReadString()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Match Elasticsearch field mapper field value:
										// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
										// https://github.com/elastic/elasticsearch/blob/588eabe185ad319c0268a13480465966cef058cd/server/src/main/java/org/elasticsearch/index/mapper/FieldMapper.java#L234
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						item.Position = idx
						idx++
						if item.Failed() {
							stat.Failed++
						}
						stat.Items = append(stat.Items, item)
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = &countWriter{Writer: b.gzipw}
	} else {
		b.writer = &countWriter{Writer: &b.buf}
	}
	return b, nil
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.writer.bytesWritten = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// UncompressedLen returns the number of uncompressed buffered bytes.
func (b *BulkIndexer) UncompressedLen() int {
	return b.writer.bytesWritten
}

// BytesFlushed returns the number of bytes flushed by the last request.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// BytesUncompressedFlushed returns the number of uncompressed bytes flushed
// by the last request.
func (b *BulkIndexer) BytesUncompressedFlushed() int {
	return b.bytesUncompressedFlushed
}

// BulkIndexerItem is a single document operation.
type BulkIndexerItem struct {
	Target      IndexTarget
	Operation   Operation
	DocumentID  string
	Parent      string
	Routing     string
	Version     string
	VersionType string
	Body        []byte
}

// Add encodes an item in the buffer.
func (b *BulkIndexer) Add(item BulkIndexerItem) error {
	if item.Target.Index == "" {
		return errors.New("missing index name")
	}
	if item.Operation.requiresID() && item.DocumentID == "" {
		return fmt.Errorf("%s requires a document id", item.Operation)
	}
	b.writeMeta(item)
	var err error
	switch item.Operation {
	case OperationUpdate:
		_, err = b.writer.Write(wrapDoc(item.Body, false))
	case OperationUpsert:
		_, err = b.writer.Write(wrapDoc(item.Body, true))
	default:
		_, err = b.writer.Write(item.Body)
	}
	if err != nil {
		return fmt.Errorf("failed to write bulk indexer item: %w", err)
	}
	if _, err := b.writer.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	b.itemsAdded++
	return nil
}

func wrapDoc(body []byte, upsert bool) []byte {
	out := make([]byte, 0, len(body)+32)
	out = append(out, `{"doc":`...)
	out = append(out, body...)
	if upsert {
		out = append(out, `,"doc_as_upsert":true`...)
	}
	return append(out, '}')
}

func (b *BulkIndexer) writeMeta(item BulkIndexerItem) {
	b.jsonw.RawString(`{"`)
	b.jsonw.RawString(item.Operation.action())
	b.jsonw.RawString(`":{"_index":`)
	b.jsonw.String(item.Target.Index)
	if b.config.IncludeTypeName && item.Target.Type != "" {
		b.jsonw.RawString(`,"_type":`)
		b.jsonw.String(item.Target.Type)
	}
	if item.DocumentID != "" {
		b.jsonw.RawString(`,"_id":`)
		b.jsonw.String(item.DocumentID)
	}
	if item.Routing != "" {
		b.jsonw.RawString(`,"routing":`)
		b.jsonw.String(item.Routing)
	}
	if item.Parent != "" {
		b.jsonw.RawString(`,"parent":`)
		b.jsonw.String(item.Parent)
	}
	if item.Version != "" {
		b.jsonw.RawString(`,"version":`)
		b.jsonw.RawString(item.Version)
		if item.VersionType != "" {
			b.jsonw.RawString(`,"version_type":`)
			b.jsonw.String(item.VersionType)
		}
	}
	b.jsonw.RawString("}}\n")
	b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
}

// Flush executes a bulk request if there are any items buffered, and clears out the buffer.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponseStat, error) {
	if b.itemsAdded == 0 {
		return BulkIndexerResponseStat{}, nil
	}
	defer b.resetBuf()
	b.bytesFlushed, b.bytesUncompressedFlushed = 0, 0

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:   &b.buf,
		Header: make(http.Header),
		FilterPath: []string{
			"items.*._index", "items.*._id", "items.*.status", "items.*.result",
			"items.*.error.type", "items.*.error.reason",
		},
		Pipeline: b.config.Pipeline,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := b.buf.Len()
	bytesUncompressed := b.writer.bytesWritten
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		return BulkIndexerResponseStat{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	b.bytesUncompressedFlushed = bytesUncompressed
	var resp BulkIndexerResponseStat
	if res.IsError() {
		return resp, newErrorFlushFailed(res)
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("%w: %w", errDecodeResponse, err)
	}
	return resp, nil
}

type countWriter struct {
	io.Writer
	bytesWritten int
}

func (cw *countWriter) Write(p []byte) (int, error) {
	cw.bytesWritten += len(p)
	return cw.Writer.Write(p)
}
