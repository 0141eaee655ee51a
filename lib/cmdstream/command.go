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

package cmdstream

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"

	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/adaptor"
)

// CommandConfig names the external programs that implement the three
// adaptor roles. Retriever receives the document id as its last
// argument; Authorizer receives the user followed by the document ids.
type CommandConfig struct {
	Lister     []string
	Retriever  []string
	Authorizer []string
	Logger     *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CommandConfig) CheckAndSetDefaults() error {
	if len(c.Lister) == 0 {
		return trace.BadParameter("missing parameter Lister")
	}
	if len(c.Retriever) == 0 {
		return trace.BadParameter("missing parameter Retriever")
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "cmdstream")
	}
	return nil
}

// CommandAdaptor implements the adaptor contract by delegating to
// external commands speaking the adaptor data protocol on stdout.
type CommandAdaptor struct {
	cfg CommandConfig
}

// NewCommandAdaptor returns an adaptor backed by the configured
// commands.
func NewCommandAdaptor(cfg CommandConfig) (*CommandAdaptor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CommandAdaptor{cfg: cfg}, nil
}

// GetDocIds runs the lister command and pushes everything it emits.
func (a *CommandAdaptor) GetDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	parser, err := a.run(ctx, a.cfg.Lister)
	if err != nil {
		return trace.Wrap(err)
	}
	var records []adaptor.Record
	if err := parser.ReadFromLister(func(rec adaptor.Record) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return trace.Wrap(err)
	}
	marker, err := pusher.PushRecords(ctx, records)
	if err != nil {
		return trace.Wrap(err)
	}
	if marker != nil {
		return trace.ConnectionProblem(nil, "listing push stopped at %q", marker.DocId())
	}
	return nil
}

// GetDocContent runs the retriever command for one document.
func (a *CommandAdaptor) GetDocContent(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
	args := append(append([]string(nil), a.cfg.Retriever...), string(req.DocId()))
	parser, err := a.run(ctx, args)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(parser.ReadFromRetriever(resp))
}

// IsUserAuthorized runs the authorizer command, passing the user and the
// document ids as arguments. Missing commands report every id as
// indeterminate.
func (a *CommandAdaptor) IsUserAuthorized(ctx context.Context, identity adaptor.AuthnIdentity, ids []adaptor.DocId) (map[adaptor.DocId]adaptor.AuthzStatus, error) {
	if len(a.cfg.Authorizer) == 0 {
		out := make(map[adaptor.DocId]adaptor.AuthzStatus, len(ids))
		for _, id := range ids {
			out[id] = adaptor.Indeterminate
		}
		return out, nil
	}
	args := append(append([]string(nil), a.cfg.Authorizer...), identity.User.Name)
	for _, id := range ids {
		args = append(args, string(id))
	}
	parser, err := a.run(ctx, args)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	decisions, err := parser.ReadFromAuthorizer()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Ids the command did not mention stay indeterminate.
	for _, id := range ids {
		if _, ok := decisions[id]; !ok {
			decisions[id] = adaptor.Indeterminate
		}
	}
	return decisions, nil
}

func (a *CommandAdaptor) run(ctx context.Context, argv []string) (*Parser, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		a.cfg.Logger.WarnContext(ctx, "Adaptor command failed.",
			"command", argv[0], "error", err, "stderr", stderr.String())
		return nil, trace.ConnectionProblem(err, "running adaptor command %q", argv[0])
	}
	return NewParser(bytes.NewReader(out))
}
