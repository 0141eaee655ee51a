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
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/defaults"
)

// RejectedError reports that the indexer answered a feed upload with a
// non-success HTTP status. The feed was delivered but refused, so
// retrying the same body is pointless.
type RejectedError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("feed rejected with HTTP status %d", e.Status)
}

// IsRejected reports whether err (anywhere in its chain) is a feed
// rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Sender uploads feed documents to the indexer's feedergate endpoints.
type Sender struct {
	client    *http.Client
	feedURL   *url.URL
	groupsURL *url.URL
	logger    *slog.Logger
}

// NewSender returns a sender targeting the feedergate on gsaHost. A nil
// client falls back to http.DefaultClient.
func NewSender(gsaHost string, secure bool, client *http.Client) (*Sender, error) {
	if gsaHost == "" {
		return nil, trace.BadParameter("missing indexer hostname")
	}
	if client == nil {
		client = http.DefaultClient
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, gsaHost, defaults.FeedPort)
	feedURL, err := url.Parse(base + "/xmlfeed")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groupsURL, err := url.Parse(base + "/xmlgroups")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Sender{
		client:    client,
		feedURL:   feedURL,
		groupsURL: groupsURL,
		logger:    slog.With("component", "feed"),
	}, nil
}

// Send uploads a metadata-and-url feed document for datasource.
func (s *Sender) Send(ctx context.Context, datasource, xmlDoc string, compress bool) error {
	fields := []formField{
		{name: "feedtype", value: string(MetadataAndURL)},
		{name: "datasource", value: datasource},
	}
	return s.post(ctx, s.feedURL, fields, xmlDoc, compress)
}

// SendGroups uploads an xmlgroups feed document. The incremental flag
// selects between adding to and replacing the indexer's group store.
func (s *Sender) SendGroups(ctx context.Context, source, xmlDoc string, compress, incremental bool) error {
	feedtype := Full
	if incremental {
		feedtype = Incremental
	}
	fields := []formField{
		{name: "feedtype", value: string(feedtype)},
		{name: "datasource", value: source},
		{name: "incremental", value: strconv.FormatBool(incremental)},
	}
	return s.post(ctx, s.groupsURL, fields, xmlDoc, compress)
}

type formField struct {
	name  string
	value string
}

func (s *Sender) post(ctx context.Context, dest *url.URL, fields []formField, xmlDoc string, compress bool) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := writeDataPart(mw, xmlDoc, compress); err != nil {
		return trace.Wrap(err)
	}
	if err := mw.Close(); err != nil {
		return trace.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), &body)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "sending feed to %v", dest)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.WarnContext(ctx, "Feed rejected by indexer.",
			"status", resp.StatusCode, "endpoint", dest.String())
		return &RejectedError{Status: resp.StatusCode, Body: string(respBody)}
	}
	s.logger.DebugContext(ctx, "Feed accepted.",
		"endpoint", dest.String(), "bytes", len(xmlDoc))
	return nil
}

func writeDataPart(mw *multipart.Writer, xmlDoc string, compress bool) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="data"`)
	header.Set("Content-Type", "text/xml")
	if compress {
		header.Set("Content-Encoding", "gzip")
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return trace.Wrap(err)
	}
	if !compress {
		_, err = io.WriteString(part, xmlDoc)
		return trace.Wrap(err)
	}
	gz := gzip.NewWriter(part)
	if _, err := io.WriteString(gz, xmlDoc); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(gz.Close())
}
