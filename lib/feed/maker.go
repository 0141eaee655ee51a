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

// Package feed builds and uploads indexer feed files: metadata-and-url
// feeds carrying document records and ACLs, and xmlgroups feeds carrying
// group definitions.
package feed

import (
	"net/http"
	"sort"

	"github.com/beevik/etree"
	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/adaptor"
)

// FeedType names the dialect declared in a feed's header.
type FeedType string

const (
	// MetadataAndURL is the record/ACL feed dialect.
	MetadataAndURL FeedType = "metadata-and-url"
	// Incremental is the group feed type for incremental updates.
	Incremental FeedType = "incremental"
	// Full is the group feed type that replaces all groups.
	Full FeedType = "full"
)

// Maker builds feed XML documents. The codec renders DocIds as the URLs
// the indexer will crawl back through this adaptor.
type Maker struct {
	Codec *adaptor.DocIdCodec
	// DomainFormat selects how principal names carrying a domain
	// component are spelled in ACL and group elements.
	DomainFormat adaptor.DomainFormat
	// UseHTTPSSOWorkaround stamps authmethod=httpsso on every record so
	// the indexer routes serve-time authorization through the adaptor.
	UseHTTPSSOWorkaround bool
}

// MakeMetadataAndURLXML renders records into a metadata-and-url feed
// document. An empty record list yields a valid skeleton with an empty
// group element.
func (m *Maker) MakeMetadataAndURLXML(datasource string, records []adaptor.Record) (string, error) {
	doc, group := m.newGsafeed(datasource)
	for _, rec := range records {
		m.appendRecord(group, rec)
		if acl := rec.Acl(); acl != nil && !rec.IsToBeDeleted() {
			ref := adaptor.DocIdFragment{DocId: rec.DocId()}
			m.appendAcl(group, ref, acl)
		}
	}
	return serialize(doc)
}

// MakeNamedResourcesXML renders ACL-only entries into a metadata-and-url
// feed document with one acl element per resource.
func (m *Maker) MakeNamedResourcesXML(datasource string, resources map[adaptor.DocIdFragment]*adaptor.Acl) (string, error) {
	doc, group := m.newGsafeed(datasource)
	refs := make([]adaptor.DocIdFragment, 0, len(resources))
	for ref := range resources {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].DocId != refs[j].DocId {
			return refs[i].DocId < refs[j].DocId
		}
		return refs[i].Fragment < refs[j].Fragment
	})
	for _, ref := range refs {
		acl := resources[ref]
		if acl == nil {
			return "", trace.BadParameter("nil ACL for named resource %q", ref.DocId)
		}
		m.appendAcl(group, ref, acl)
	}
	return serialize(doc)
}

// MakeGroupDefinitionsXML renders group memberships into an xmlgroups
// feed document. Groups are emitted in sorted principal order so the
// output is deterministic.
func (m *Maker) MakeGroupDefinitionsXML(groups map[adaptor.Principal][]adaptor.Principal, caseSensitive bool) (string, error) {
	doc := newDocument()
	root := doc.CreateElement("xmlgroups")

	keys := make([]adaptor.Principal, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sortGroupKeys(keys)

	for _, g := range keys {
		if g.Kind != adaptor.PrincipalGroup {
			return "", trace.BadParameter("group definition keyed by non-group principal %q", g.Name)
		}
		membership := root.CreateElement("membership")
		m.appendGroupPrincipal(membership, g, caseSensitive)
		members := membership.CreateElement("members")
		sorted := append([]adaptor.Principal(nil), groups[g]...)
		sortGroupKeys(sorted)
		for _, member := range sorted {
			m.appendMemberPrincipal(members, member, caseSensitive)
		}
	}
	return serialize(doc)
}

func newDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="no"`)
	return doc
}

func (m *Maker) newGsafeed(datasource string) (*etree.Document, *etree.Element) {
	doc := newDocument()
	root := doc.CreateElement("gsafeed")
	header := root.CreateElement("header")
	header.CreateElement("datasource").SetText(datasource)
	header.CreateElement("feedtype").SetText(string(MetadataAndURL))
	group := root.CreateElement("group")
	return doc, group
}

// appendRecord emits a record element. Attributes are created in
// lexicographic key order.
func (m *Maker) appendRecord(group *etree.Element, rec adaptor.Record) {
	el := group.CreateElement("record")
	if rec.IsToBeDeleted() {
		el.CreateAttr("action", "delete")
	}
	if m.UseHTTPSSOWorkaround {
		el.CreateAttr("authmethod", "httpsso")
	}
	if rec.IsToBeCrawledImmediately() {
		el.CreateAttr("crawl-immediately", "true")
	}
	if rec.IsToBeCrawledOnce() {
		el.CreateAttr("crawl-once", "true")
	}
	if link := rec.ResultLink(); link != nil {
		el.CreateAttr("displayurl", link.String())
	}
	if lm := rec.LastModified(); lm != nil {
		el.CreateAttr("last-modified", lm.UTC().Format(http.TimeFormat))
	}
	if rec.IsToBeLocked() {
		el.CreateAttr("lock", "true")
	}
	el.CreateAttr("mimetype", "text/plain")
	el.CreateAttr("url", m.Codec.EncodeDocId(rec.DocId()).String())
}

// appendAcl emits an acl element with its principal children. A fragment
// ACL addresses a generated pseudo-URL derived from the document's URL.
func (m *Maker) appendAcl(group *etree.Element, ref adaptor.DocIdFragment, acl *adaptor.Acl) {
	el := group.CreateElement("acl")
	if parent := acl.InheritFrom; parent != nil {
		el.CreateAttr("inherit-from", m.aclURL(*parent))
	}
	if acl.InheritanceType != adaptor.LeafNode {
		el.CreateAttr("inheritance-type", acl.InheritanceType.String())
	}
	el.CreateAttr("url", m.aclURL(ref))

	m.appendAclPrincipals(el, acl.SortedPermitUsers(), "permit", "user", acl.CaseSensitivity)
	m.appendAclPrincipals(el, acl.SortedPermitGroups(), "permit", "group", acl.CaseSensitivity)
	m.appendAclPrincipals(el, acl.SortedDenyUsers(), "deny", "user", acl.CaseSensitivity)
	m.appendAclPrincipals(el, acl.SortedDenyGroups(), "deny", "group", acl.CaseSensitivity)
}

// aclURL renders the URL an ACL is keyed under. Fragment ACLs do not
// correspond to a servable document, so the fragment is appended as a
// generated query marker distinct from any real DocId URL.
func (m *Maker) aclURL(ref adaptor.DocIdFragment) string {
	u := m.Codec.EncodeDocId(ref.DocId).String()
	if ref.Fragment != "" {
		u += "?" + ref.Fragment + "-generated"
	}
	return u
}

func (m *Maker) appendAclPrincipals(el *etree.Element, list []adaptor.Principal, access, scope string, cs adaptor.CaseSensitivity) {
	for _, p := range list {
		child := el.CreateElement("principal")
		child.CreateAttr("access", access)
		child.CreateAttr("case-sensitivity-type", aclCaseSensitivity(cs))
		if p.Namespace != "" {
			child.CreateAttr("namespace", p.Namespace)
		}
		child.CreateAttr("scope", scope)
		child.SetText(m.DomainFormat.FormatName(p.Name))
	}
}

func (m *Maker) appendGroupPrincipal(parent *etree.Element, p adaptor.Principal, caseSensitive bool) {
	el := parent.CreateElement("principal")
	el.CreateAttr("case-sensitivity-type", groupCaseSensitivity(caseSensitive))
	if p.Namespace != "" {
		el.CreateAttr("namespace", p.Namespace)
	}
	el.CreateAttr("scope", "GROUP")
	el.SetText(m.DomainFormat.FormatName(p.Name))
}

func (m *Maker) appendMemberPrincipal(parent *etree.Element, p adaptor.Principal, caseSensitive bool) {
	el := parent.CreateElement("principal")
	el.CreateAttr("case-sensitivity-type", groupCaseSensitivity(caseSensitive))
	if p.Namespace != "" {
		el.CreateAttr("namespace", p.Namespace)
	}
	if p.Kind == adaptor.PrincipalGroup {
		el.CreateAttr("scope", "GROUP")
	} else {
		el.CreateAttr("scope", "USER")
	}
	el.SetText(m.DomainFormat.FormatName(p.Name))
}

func aclCaseSensitivity(cs adaptor.CaseSensitivity) string {
	if cs == adaptor.CaseInsensitive {
		return "everything-case-insensitive"
	}
	return "everything-case-sensitive"
}

func groupCaseSensitivity(caseSensitive bool) string {
	if caseSensitive {
		return "EVERYTHING_CASE_SENSITIVE"
	}
	return "EVERYTHING_CASE_INSENSITIVE"
}

func sortGroupKeys(list []adaptor.Principal) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Namespace != list[j].Namespace {
			return list[i].Namespace < list[j].Namespace
		}
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Kind < list[j].Kind
	})
}

func serialize(doc *etree.Document) (string, error) {
	out, err := doc.WriteToString()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return out, nil
}
