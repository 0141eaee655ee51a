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

package feed

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Archiver writes sent feed bodies to disk for operator inspection. A
// zero directory disables archiving.
type Archiver struct {
	Dir   string
	Clock clockwork.Clock
}

// Archive stores a feed document under a timestamped name. Failed feeds
// are marked in the file name so they can be found quickly.
func (a *Archiver) Archive(datasource, xmlDoc string, failed bool) error {
	if a.Dir == "" {
		return nil
	}
	clock := a.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	suffix := ""
	if failed {
		suffix = "-FAILED"
	}
	name := fmt.Sprintf("%s-%s%s.xml",
		datasource, clock.Now().UTC().Format("20060102T150405.000000000Z"), suffix)
	path := filepath.Join(a.Dir, name)
	if err := os.WriteFile(path, []byte(xmlDoc), 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
