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
)

// identity holds the document identity and placement of one record.
type identity struct {
	id      string
	parent  string
	routing string
	version string
}

// identityResolver extracts identity from configured field paths of the
// mapped body, falling back to metadata-aliased values.
type identityResolver struct {
	idField      string
	parentField  string
	routingField string
	versionField string
}

func newIdentityResolver(cfg Config) identityResolver {
	return identityResolver{
		idField:      cfg.IDField,
		parentField:  cfg.ParentField,
		routingField: cfg.RoutingField,
		versionField: cfg.VersionField,
	}
}

func (r identityResolver) resolve(doc MappedDocument) (identity, error) {
	var id identity
	var err error
	if id.id, err = r.field(doc, r.idField, doc.Metadata.ID, "id"); err != nil {
		return identity{}, err
	}
	if id.parent, err = r.field(doc, r.parentField, doc.Metadata.Parent, "parent"); err != nil {
		return identity{}, err
	}
	if id.routing, err = r.field(doc, r.routingField, doc.Metadata.Routing, "routing"); err != nil {
		return identity{}, err
	}
	if id.version, err = r.field(doc, r.versionField, doc.Metadata.Version, "version"); err != nil {
		return identity{}, err
	}
	if id.version != "" {
		if _, err := strconv.ParseInt(id.version, 10, 64); err != nil {
			return identity{}, fmt.Errorf("%w: version %q is not an integer", ErrMissingIdentity, id.version)
		}
	}
	// Children live on their parent's shard unless routed explicitly.
	if id.routing == "" {
		id.routing = id.parent
	}
	return id, nil
}

func (r identityResolver) field(doc MappedDocument, path, fallback, what string) (string, error) {
	if path == "" {
		return fallback, nil
	}
	v, ok := doc.Lookup(path)
	if !ok || v.IsNull() {
		return "", fmt.Errorf("%w: %s field %q not found in record", ErrMissingIdentity, what, path)
	}
	s, ok := v.scalarString()
	if !ok {
		return "", fmt.Errorf("%w: %s field %q is a %s, not a scalar", ErrMissingIdentity, what, path, v.Kind())
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s field %q is empty", ErrMissingIdentity, what, path)
	}
	return s, nil
}
