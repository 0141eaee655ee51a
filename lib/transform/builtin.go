// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package transform

import (
	"bytes"

	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/adaptor"
)

func init() {
	// Registration of the built-ins cannot collide at init time.
	_ = Register("replace", newReplace)
	_ = Register("add-metadata", newAddMetadata)
}

// newReplace substitutes every occurrence of the "from" parameter with
// the "to" parameter in the content bytes.
func newReplace(params map[string]string) (Func, error) {
	from, ok := params["from"]
	if !ok || from == "" {
		return nil, trace.BadParameter(`replace transform requires a non-empty "from" parameter`)
	}
	to := params["to"]
	return func(in []byte, out *bytes.Buffer, _ *adaptor.Metadata, _ map[string]string) error {
		out.Write(bytes.ReplaceAll(in, []byte(from), []byte(to)))
		return nil
	}, nil
}

// newAddMetadata stamps a fixed metadata pair on every document passing
// through the pipeline.
func newAddMetadata(params map[string]string) (Func, error) {
	key, ok := params["key"]
	if !ok || key == "" {
		return nil, trace.BadParameter(`add-metadata transform requires a non-empty "key" parameter`)
	}
	value := params["value"]
	return func(in []byte, out *bytes.Buffer, metadata *adaptor.Metadata, _ map[string]string) error {
		if metadata != nil {
			metadata.Add(key, value)
		}
		out.Write(in)
		return nil
	}, nil
}
