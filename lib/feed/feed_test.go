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
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/feedgate/lib/adaptor"
)

func newTestMaker(t *testing.T) *Maker {
	t.Helper()
	base, err := url.Parse("http://localhost:5678/doc/")
	require.NoError(t, err)
	codec, err := adaptor.NewDocIdCodec(base)
	require.NoError(t, err)
	return &Maker{Codec: codec}
}

func TestMakeEmptyFeedSkeleton(t *testing.T) {
	m := newTestMaker(t)
	out, err := m.MakeMetadataAndURLXML("t3sT", nil)
	require.NoError(t, err)

	require.Contains(t, out, "<datasource>t3sT</datasource>")
	require.Contains(t, out, "<feedtype>metadata-and-url</feedtype>")
	require.Contains(t, out, "<group/>")
	require.Contains(t, out, `standalone="no"`)
}

func TestMakeRecordAttributes(t *testing.T) {
	m := newTestMaker(t)
	lastModified := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	display, err := url.Parse("http://repo.example.com/display/1")
	require.NoError(t, err)

	rec := adaptor.NewRecordBuilder("docs/1").
		SetCrawlImmediately(true).
		SetLock(true).
		SetLastModified(lastModified).
		SetResultLink(display).
		Build()
	out, err := m.MakeMetadataAndURLXML("src", []adaptor.Record{rec})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(out))
	record := doc.FindElement("//record")
	require.NotNil(t, record)
	require.Equal(t, "http://localhost:5678/doc/docs/1", record.SelectAttrValue("url", ""))
	require.Equal(t, "true", record.SelectAttrValue("crawl-immediately", ""))
	require.Equal(t, "true", record.SelectAttrValue("lock", ""))
	require.Equal(t, "text/plain", record.SelectAttrValue("mimetype", ""))
	require.Equal(t, "Fri, 14 Mar 2025 15:09:26 GMT", record.SelectAttrValue("last-modified", ""))
	require.Equal(t, "http://repo.example.com/display/1", record.SelectAttrValue("displayurl", ""))

	// Attribute keys appear in lexicographic order.
	var keys []string
	for _, attr := range record.Attr {
		keys = append(keys, attr.Key)
	}
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
}

func TestMakeDeleteRecord(t *testing.T) {
	m := newTestMaker(t)
	rec := adaptor.NewRecordBuilder("gone").SetDeleteFromIndex(true).Build()
	out, err := m.MakeMetadataAndURLXML("src", []adaptor.Record{rec})
	require.NoError(t, err)
	require.Contains(t, out, `action="delete"`)
}

func TestMakeRecordWithAcl(t *testing.T) {
	m := newTestMaker(t)
	acl := &adaptor.Acl{
		PermitUsers:     []adaptor.Principal{adaptor.NewUser("alice")},
		DenyGroups:      []adaptor.Principal{adaptor.NewGroup("contractors")},
		InheritFrom:     &adaptor.DocIdFragment{DocId: "parent"},
		InheritanceType: adaptor.ChildOverrides,
	}
	rec := adaptor.NewRecordBuilder("docs/1").SetAcl(acl).Build()
	out, err := m.MakeMetadataAndURLXML("src", []adaptor.Record{rec})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(out))
	aclEl := doc.FindElement("//acl")
	require.NotNil(t, aclEl)
	require.Equal(t, "http://localhost:5678/doc/parent", aclEl.SelectAttrValue("inherit-from", ""))
	require.Equal(t, "child-overrides", aclEl.SelectAttrValue("inheritance-type", ""))

	principals := aclEl.SelectElements("principal")
	require.Len(t, principals, 2)
	require.Equal(t, "permit", principals[0].SelectAttrValue("access", ""))
	require.Equal(t, "user", principals[0].SelectAttrValue("scope", ""))
	require.Equal(t, "alice", principals[0].Text())
	require.Equal(t, "deny", principals[1].SelectAttrValue("access", ""))
	require.Equal(t, "group", principals[1].SelectAttrValue("scope", ""))
	require.Equal(t, "contractors", principals[1].Text())
}

func TestMakeDomainFormat(t *testing.T) {
	m := newTestMaker(t)
	m.DomainFormat = adaptor.DomainFormatNetbios
	acl := &adaptor.Acl{
		PermitUsers: []adaptor.Principal{adaptor.NewUser("alice@example")},
	}
	rec := adaptor.NewRecordBuilder("docs/1").SetAcl(acl).Build()
	out, err := m.MakeMetadataAndURLXML("src", []adaptor.Record{rec})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(out))
	principal := doc.FindElement("//acl/principal")
	require.NotNil(t, principal)
	require.Equal(t, `example\alice`, principal.Text())

	// Group feeds spell domains the same way.
	groups, err := m.MakeGroupDefinitionsXML(map[adaptor.Principal][]adaptor.Principal{
		adaptor.NewGroup("eng@example"): {adaptor.NewUser(`example\bob`)},
	}, false)
	require.NoError(t, err)
	gdoc := etree.NewDocument()
	require.NoError(t, gdoc.ReadFromString(groups))
	groupEl := gdoc.FindElement("//membership/principal")
	require.Equal(t, `example\eng`, groupEl.Text())
	member := gdoc.FindElement("//members/principal")
	require.Equal(t, `example\bob`, member.Text())

	// The default format renders user@domain.
	m.DomainFormat = adaptor.DomainFormatDNS
	out, err = m.MakeMetadataAndURLXML("src", []adaptor.Record{rec})
	require.NoError(t, err)
	dnsDoc := etree.NewDocument()
	require.NoError(t, dnsDoc.ReadFromString(out))
	require.Equal(t, "alice@example", dnsDoc.FindElement("//acl/principal").Text())
}

func TestMakeNamedResourceFragment(t *testing.T) {
	m := newTestMaker(t)
	ref := adaptor.DocIdFragment{DocId: "docs/1", Fragment: "attachments"}
	out, err := m.MakeNamedResourcesXML("src", map[adaptor.DocIdFragment]*adaptor.Acl{
		ref: {PermitUsers: []adaptor.Principal{adaptor.NewUser("alice")}},
	})
	require.NoError(t, err)
	require.Contains(t, out, `url="http://localhost:5678/doc/docs/1?attachments-generated"`)
}

func TestMakeXMLEscaping(t *testing.T) {
	m := newTestMaker(t)
	out, err := m.MakeMetadataAndURLXML(`a&b<c>"d"`, nil)
	require.NoError(t, err)
	require.Contains(t, out, "a&amp;b&lt;c&gt;")
	require.NotContains(t, out, `<c>"d"</datasource>`)
}

func TestMakeGroupDefinitions(t *testing.T) {
	m := newTestMaker(t)
	groups := map[adaptor.Principal][]adaptor.Principal{
		adaptor.NewGroup("eng"): {adaptor.NewUser("alice"), adaptor.NewGroup("eng-leads")},
	}
	out, err := m.MakeGroupDefinitionsXML(groups, false)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(out))
	memberships := doc.FindElements("//membership")
	require.Len(t, memberships, 1)
	groupEl := memberships[0].SelectElement("principal")
	require.Equal(t, "eng", groupEl.Text())
	require.Equal(t, "GROUP", groupEl.SelectAttrValue("scope", ""))
	require.Equal(t, "EVERYTHING_CASE_INSENSITIVE", groupEl.SelectAttrValue("case-sensitivity-type", ""))

	members := memberships[0].SelectElement("members").SelectElements("principal")
	require.Len(t, members, 2)
	require.Equal(t, "alice", members[0].Text())
	require.Equal(t, "USER", members[0].SelectAttrValue("scope", ""))
	require.Equal(t, "eng-leads", members[1].Text())
	require.Equal(t, "GROUP", members[1].SelectAttrValue("scope", ""))

	// Non-group key is rejected.
	_, err = m.MakeGroupDefinitionsXML(map[adaptor.Principal][]adaptor.Principal{
		adaptor.NewUser("bob"): nil,
	}, true)
	require.Error(t, err)
}

func TestSenderPostsMultipart(t *testing.T) {
	type received struct {
		feedtype   string
		datasource string
		data       string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got <- received{
			feedtype:   r.FormValue("feedtype"),
			datasource: r.FormValue("datasource"),
			data:       r.FormValue("data"),
		}
	}))
	defer srv.Close()

	s, err := NewSender("gsa.example.com", false, srv.Client())
	require.NoError(t, err)
	// Point the sender at the test server instead of the feedergate port.
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	s.feedURL = u

	require.NoError(t, s.Send(context.Background(), "src", "<gsafeed/>", false))
	r := <-got
	require.Equal(t, "metadata-and-url", r.feedtype)
	require.Equal(t, "src", r.datasource)
	require.Equal(t, "<gsafeed/>", r.data)
}

func TestSenderGzipDataPart(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reader, err := r.MultipartReader()
		require.NoError(t, err)
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			if part.FormName() != "data" {
				continue
			}
			require.Equal(t, "gzip", part.Header.Get("Content-Encoding"))
			gz, err := gzip.NewReader(part)
			require.NoError(t, err)
			data, err := io.ReadAll(gz)
			require.NoError(t, err)
			got <- string(data)
		}
	}))
	defer srv.Close()

	s, err := NewSender("gsa.example.com", false, srv.Client())
	require.NoError(t, err)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	s.feedURL = u

	require.NoError(t, s.Send(context.Background(), "src", "<gsafeed/>", true))
	require.Equal(t, "<gsafeed/>", <-got)
}

func TestSenderRejectionAndTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad feed", http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := NewSender("gsa.example.com", false, srv.Client())
	require.NoError(t, err)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	s.feedURL = u
	s.groupsURL = u

	err = s.Send(context.Background(), "src", "<gsafeed/>", false)
	require.True(t, IsRejected(err))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusBadRequest, rejected.Status)
	require.Contains(t, rejected.Body, "bad feed")

	// Unreachable endpoint surfaces as a connection problem, not a
	// rejection.
	srv.Close()
	err = s.Send(context.Background(), "src", "<gsafeed/>", false)
	require.Error(t, err)
	require.False(t, IsRejected(err))
}

func TestSenderGroupsIncrementalField(t *testing.T) {
	got := make(chan map[string][]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got <- r.MultipartForm.Value
	}))
	defer srv.Close()

	s, err := NewSender("gsa.example.com", false, srv.Client())
	require.NoError(t, err)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	s.groupsURL = u

	require.NoError(t, s.SendGroups(context.Background(), "src", "<xmlgroups/>", false, true))
	form := <-got
	require.Equal(t, []string{"incremental"}, form["feedtype"])
	require.Equal(t, []string{"true"}, form["incremental"])

	require.NoError(t, s.SendGroups(context.Background(), "src", "<xmlgroups/>", false, false))
	form = <-got
	require.Equal(t, []string{"full"}, form["feedtype"])
	require.Equal(t, []string{"false"}, form["incremental"])
}

func TestArchiver(t *testing.T) {
	dir := t.TempDir()
	a := &Archiver{Dir: dir}
	require.NoError(t, a.Archive("src", "<gsafeed/>", true))

	entries, err := filepathGlob(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0], "FAILED")

	// Disabled archiver is a no-op.
	require.NoError(t, (&Archiver{}).Archive("src", "<gsafeed/>", false))
}

func filepathGlob(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}
