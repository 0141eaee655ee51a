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

package saml

import (
	"io"
	"net/http"
	"net/url"

	"github.com/beevik/etree"
	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/adaptor"
)

// decision is the SAML spelling of an authorization outcome.
type decision string

const (
	decisionPermit        decision = "Permit"
	decisionDeny          decision = "Deny"
	decisionIndeterminate decision = "Indeterminate"
)

// authzQuery is one parsed AuthzDecisionQuery.
type authzQuery struct {
	id       string
	resource string
	nameID   string
	docID    *adaptor.DocId
}

// BatchAuthzHandler is the policy decision point the indexer consults at
// serve time: a SOAP batch of AuthzDecisionQuery elements, answered with
// one signed assertion per query.
type BatchAuthzHandler struct {
	SP    *ServiceProvider
	Codec *adaptor.DocIdCodec
	// Authority is the adaptor's authorizer; nil denies everything that
	// is not indeterminate by endpoint mismatch.
	Authority adaptor.AuthzAuthority
}

// ServeHTTP implements http.Handler.
func (h *BatchAuthzHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "unreadable request", http.StatusBadRequest)
		return
	}
	queries, identity, err := h.parseQueries(body)
	if err != nil {
		h.SP.cfg.Logger.WarnContext(r.Context(), "Rejecting authz batch.", "error", err)
		http.Error(w, "bad authorization batch", http.StatusBadRequest)
		return
	}

	decisions := h.decide(r, queries, identity)
	envelope, err := h.buildResponse(queries, decisions)
	if err != nil {
		h.SP.cfg.Logger.ErrorContext(r.Context(), "Failed to build authz response.", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	io.WriteString(w, envelope)
}

// parseQueries extracts the batch. Every query must name the same
// subject.
func (h *BatchAuthzHandler) parseQueries(body []byte) ([]authzQuery, adaptor.AuthnIdentity, error) {
	var identity adaptor.AuthnIdentity
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, identity, trace.BadParameter("unparsable SOAP body: %v", err)
	}
	elements := findAllElements(doc.Root(), "AuthzDecisionQuery")
	if len(elements) == 0 {
		return nil, identity, trace.BadParameter("no authorization queries in batch")
	}

	queries := make([]authzQuery, 0, len(elements))
	sharedNameID := ""
	for _, el := range elements {
		q := authzQuery{
			id:       el.SelectAttrValue("ID", ""),
			resource: el.SelectAttrValue("Resource", ""),
		}
		if nameID := findElement(el, "NameID"); nameID != nil {
			q.nameID = nameID.Text()
		}
		if q.id == "" || q.resource == "" || q.nameID == "" {
			return nil, identity, trace.BadParameter("query is missing ID, Resource, or NameID")
		}
		if sharedNameID == "" {
			sharedNameID = q.nameID
		} else if q.nameID != sharedNameID {
			return nil, identity, trace.BadParameter("queries name different subjects")
		}
		if u, err := url.Parse(q.resource); err == nil && h.Codec.IsSameEndpoint(u) {
			if id, err := h.Codec.DecodeDocId(u.EscapedPath()); err == nil {
				q.docID = &id
			}
		}
		queries = append(queries, q)
	}

	// The secmgr credential extension overrides the bare NameID when the
	// security manager forwards verified credentials.
	if cred := findElement(doc.Root(), "SecmgrCredential"); cred != nil {
		identity = credentialIdentity(cred)
	} else {
		identity = adaptor.AuthnIdentity{User: adaptor.NewUser(sharedNameID)}
	}
	return queries, identity, nil
}

// decide maps each query to a SAML decision. Resources outside this
// adaptor's endpoint are indeterminate; authority errors deny the whole
// batch.
func (h *BatchAuthzHandler) decide(r *http.Request, queries []authzQuery, identity adaptor.AuthnIdentity) map[string]decision {
	out := make(map[string]decision, len(queries))
	var ids []adaptor.DocId
	for _, q := range queries {
		if q.docID == nil {
			out[q.id] = decisionIndeterminate
			continue
		}
		ids = append(ids, *q.docID)
	}
	if len(ids) == 0 {
		return out
	}

	statuses := map[adaptor.DocId]adaptor.AuthzStatus{}
	if h.Authority != nil {
		var err error
		statuses, err = h.Authority.IsUserAuthorized(r.Context(), identity, ids)
		if err != nil {
			h.SP.cfg.Logger.WarnContext(r.Context(), "Authorizer failed, denying batch.", "error", err)
			statuses = nil
		}
	}
	for _, q := range queries {
		if q.docID == nil {
			continue
		}
		if statuses[*q.docID] == adaptor.Permit {
			out[q.id] = decisionPermit
		} else {
			out[q.id] = decisionDeny
		}
	}
	return out
}

// buildResponse emits one saml2p:Response per query, each carrying a
// single signed assertion with an AuthzDecisionStatement.
func (h *BatchAuthzHandler) buildResponse(queries []authzQuery, decisions map[string]decision) (string, error) {
	now := h.SP.now()
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap11:Envelope")
	env.CreateAttr("xmlns:soap11", soapEnvelopeNS)
	body := env.CreateElement("soap11:Body")

	for _, q := range queries {
		response := body.CreateElement("saml2p:Response")
		response.CreateAttr("xmlns:saml2p", samlProtocolNS)
		response.CreateAttr("ID", newRequestID())
		response.CreateAttr("Version", "2.0")
		response.CreateAttr("IssueInstant", samlInstant(now))
		response.CreateAttr("InResponseTo", q.id)
		status := response.CreateElement("saml2p:Status")
		status.CreateElement("saml2p:StatusCode").CreateAttr("Value", statusSuccess)

		assertion := etree.NewElement("saml2:Assertion")
		assertion.CreateAttr("xmlns:saml2", samlAssertionNS)
		assertion.CreateAttr("ID", newRequestID())
		assertion.CreateAttr("Version", "2.0")
		assertion.CreateAttr("IssueInstant", samlInstant(now))
		assertion.CreateElement("saml2:Issuer").SetText(h.SP.cfg.EntityID)
		subject := assertion.CreateElement("saml2:Subject")
		subject.CreateElement("saml2:NameID").SetText(q.nameID)
		statement := assertion.CreateElement("saml2:AuthzDecisionStatement")
		statement.CreateAttr("Decision", string(decisions[q.id]))
		statement.CreateAttr("Resource", q.resource)
		statement.CreateElement("saml2:Action").SetText("GET")

		signed, err := h.SP.signer.SignEnveloped(assertion)
		if err != nil {
			return "", trace.Wrap(err)
		}
		response.AddChild(signed)
	}
	return doc.WriteToString()
}
