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

// Package saml implements the SAML 2.0 exchanges feedgate performs with
// the indexer's security manager: authentication via the artifact
// binding and the batch authorization PDP.
package saml

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	samltypes "github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/gravitational/feedgate/lib/adaptor"
)

const (
	samlProtocolNS  = "urn:oasis:names:tc:SAML:2.0:protocol"
	samlAssertionNS = "urn:oasis:names:tc:SAML:2.0:assertion"
	soapEnvelopeNS  = "http://schemas.xmlsoap.org/soap/envelope/"

	statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"
)

// Config configures a ServiceProvider.
type Config struct {
	// EntityID is this adaptor's SAML entity id.
	EntityID string
	// IDPEntityID is the expected assertion issuer.
	IDPEntityID string
	// IDPSSOURL is the IdP single-sign-on endpoint users are sent to.
	IDPSSOURL string
	// IDPArtifactResolutionURL is the IdP back channel for artifacts.
	IDPArtifactResolutionURL string
	// ACSURL is this adaptor's assertion consumer endpoint.
	ACSURL string
	// SigningCert signs outgoing requests and assertions.
	SigningCert tls.Certificate
	// Client performs back-channel HTTP; nil uses http.DefaultClient.
	Client *http.Client
	// Clock drives IssueInstant and expiry validation.
	Clock clockwork.Clock
	// AssertionLifetime bounds assertions this SP issues from the PDP.
	AssertionLifetime time.Duration
	// Logger is the component logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.EntityID == "" {
		return trace.BadParameter("missing parameter EntityID")
	}
	if c.IDPEntityID == "" {
		return trace.BadParameter("missing parameter IDPEntityID")
	}
	if c.IDPSSOURL == "" {
		return trace.BadParameter("missing parameter IDPSSOURL")
	}
	if c.IDPArtifactResolutionURL == "" {
		return trace.BadParameter("missing parameter IDPArtifactResolutionURL")
	}
	if c.ACSURL == "" {
		return trace.BadParameter("missing parameter ACSURL")
	}
	if c.SigningCert.PrivateKey == nil {
		return trace.BadParameter("missing parameter SigningCert")
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.AssertionLifetime <= 0 {
		c.AssertionLifetime = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "saml")
	}
	return nil
}

// ServiceProvider drives the authentication and authorization SAML
// exchanges.
type ServiceProvider struct {
	cfg    Config
	signer *dsig.SigningContext
}

// NewServiceProvider returns a provider signing with the configured
// certificate.
func NewServiceProvider(cfg Config) (*ServiceProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	signer := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(cfg.SigningCert))
	if err := signer.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ServiceProvider{cfg: cfg, signer: signer}, nil
}

func newRequestID() string {
	return "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (sp *ServiceProvider) now() time.Time {
	return sp.cfg.Clock.Now().UTC()
}

func samlInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// NewAuthnRequest builds a signed AuthnRequest and returns its id and
// the redirect URL that carries it to the IdP.
func (sp *ServiceProvider) NewAuthnRequest() (requestID, redirectURL string, err error) {
	requestID = newRequestID()

	doc := etree.NewDocument()
	req := doc.CreateElement("samlp:AuthnRequest")
	req.CreateAttr("xmlns:samlp", samlProtocolNS)
	req.CreateAttr("xmlns:saml", samlAssertionNS)
	req.CreateAttr("ID", requestID)
	req.CreateAttr("Version", "2.0")
	req.CreateAttr("IssueInstant", samlInstant(sp.now()))
	req.CreateAttr("Destination", sp.cfg.IDPSSOURL)
	req.CreateAttr("AssertionConsumerServiceURL", sp.cfg.ACSURL)
	req.CreateAttr("ProtocolBinding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Artifact")
	issuer := req.CreateElement("saml:Issuer")
	issuer.SetText(sp.cfg.EntityID)

	signed, err := sp.signer.SignEnveloped(req)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	signedDoc := etree.NewDocument()
	signedDoc.SetRoot(signed)
	raw, err := signedDoc.WriteToString()
	if err != nil {
		return "", "", trace.Wrap(err)
	}

	encoded, err := deflateEncode(raw)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	sso, err := url.Parse(sp.cfg.IDPSSOURL)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	q := sso.Query()
	q.Set("SAMLRequest", encoded)
	sso.RawQuery = q.Encode()
	return requestID, sso.String(), nil
}

// deflateEncode applies the redirect binding encoding: raw deflate then
// base64.
func deflateEncode(raw string) (string, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := io.WriteString(fw, raw); err != nil {
		return "", trace.Wrap(err)
	}
	if err := fw.Close(); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// VerifiedIdentity is the outcome of a successful artifact resolution.
type VerifiedIdentity struct {
	Identity adaptor.AuthnIdentity
	// Expiry is the assertion's NotOnOrAfter.
	Expiry time.Time
}

// ResolveArtifact exchanges an artifact for an assertion over the IdP
// back channel and validates it against the pending request.
func (sp *ServiceProvider) ResolveArtifact(ctx context.Context, artifact, requestID string) (*VerifiedIdentity, error) {
	envelope, err := sp.buildArtifactResolve(artifact)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sp.cfg.IDPArtifactResolutionURL, strings.NewReader(envelope))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "http://www.oasis-open.org/committees/security")

	resp, err := sp.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "resolving artifact with IdP")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.AccessDenied("artifact resolution failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return sp.validateArtifactResponse(body, requestID)
}

func (sp *ServiceProvider) buildArtifactResolve(artifact string) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap11:Envelope")
	env.CreateAttr("xmlns:soap11", soapEnvelopeNS)
	body := env.CreateElement("soap11:Body")

	resolve := body.CreateElement("samlp:ArtifactResolve")
	resolve.CreateAttr("xmlns:samlp", samlProtocolNS)
	resolve.CreateAttr("xmlns:saml", samlAssertionNS)
	resolve.CreateAttr("ID", newRequestID())
	resolve.CreateAttr("Version", "2.0")
	resolve.CreateAttr("IssueInstant", samlInstant(sp.now()))
	resolve.CreateElement("saml:Issuer").SetText(sp.cfg.EntityID)
	resolve.CreateElement("samlp:Artifact").SetText(artifact)

	signed, err := sp.signer.SignEnveloped(resolve)
	if err != nil {
		return "", trace.Wrap(err)
	}
	body.RemoveChild(resolve)
	body.AddChild(signed)
	return doc.WriteToString()
}

// artifactEnvelope is the typed shape of the SOAP-wrapped artifact
// response.
type artifactEnvelope struct {
	Body struct {
		ArtifactResponse struct {
			Response *samltypes.Response `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
		} `xml:"urn:oasis:names:tc:SAML:2.0:protocol ArtifactResponse"`
	} `xml:"Body"`
}

// validateArtifactResponse checks the resolved response and extracts the
// identity. All checks map to access denied so callers answer 403.
func (sp *ServiceProvider) validateArtifactResponse(body []byte, requestID string) (*VerifiedIdentity, error) {
	var envelope artifactEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, trace.AccessDenied("unparsable artifact response: %v", err)
	}
	response := envelope.Body.ArtifactResponse.Response
	if response == nil {
		return nil, trace.AccessDenied("artifact response carries no SAML response")
	}
	if response.Status == nil || response.Status.StatusCode == nil ||
		response.Status.StatusCode.Value != statusSuccess {
		return nil, trace.AccessDenied("IdP did not report success")
	}
	if response.InResponseTo != requestID {
		return nil, trace.AccessDenied("response is for request %q, expected %q",
			response.InResponseTo, requestID)
	}
	if response.Issuer == nil || response.Issuer.Value != sp.cfg.IDPEntityID {
		return nil, trace.AccessDenied("unexpected assertion issuer")
	}
	if len(response.Assertions) == 0 {
		return nil, trace.AccessDenied("response carries no assertion")
	}
	assertion := response.Assertions[0]
	if assertion.Subject == nil || assertion.Subject.SubjectConfirmation == nil ||
		assertion.Subject.SubjectConfirmation.SubjectConfirmationData == nil {
		return nil, trace.AccessDenied("assertion carries no subject confirmation")
	}
	confirmation := assertion.Subject.SubjectConfirmation.SubjectConfirmationData
	if confirmation.Recipient != sp.cfg.ACSURL {
		return nil, trace.AccessDenied("assertion recipient %q does not match this endpoint",
			confirmation.Recipient)
	}
	expiry, err := time.Parse(time.RFC3339, confirmation.NotOnOrAfter)
	if err != nil {
		return nil, trace.AccessDenied("assertion carries no valid expiry")
	}
	if !sp.now().Before(expiry) {
		return nil, trace.AccessDenied("assertion has expired")
	}

	identity, err := sp.extractIdentity(body, assertion.Subject)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &VerifiedIdentity{Identity: identity, Expiry: expiry}, nil
}

// extractIdentity prefers the security manager credential extension,
// which standard SAML types cannot express, and falls back to the bare
// subject NameID.
func (sp *ServiceProvider) extractIdentity(body []byte, subject *samltypes.Subject) (adaptor.AuthnIdentity, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err == nil {
		if cred := findElement(doc.Root(), "SecmgrCredential"); cred != nil {
			return credentialIdentity(cred), nil
		}
	}
	if subject.NameID == nil || subject.NameID.Value == "" {
		return adaptor.AuthnIdentity{}, trace.AccessDenied("assertion names no subject")
	}
	return adaptor.AuthnIdentity{User: adaptor.NewUser(subject.NameID.Value)}, nil
}

// credentialIdentity decodes the SecmgrCredential extension: verified
// user name, domain, namespace, password, and group memberships.
func credentialIdentity(cred *etree.Element) adaptor.AuthnIdentity {
	identity := adaptor.AuthnIdentity{
		User: adaptor.Principal{
			Kind:      adaptor.PrincipalUser,
			Name:      domainName(cred.SelectAttrValue("domain", ""), cred.SelectAttrValue("name", "")),
			Namespace: cred.SelectAttrValue("namespace", ""),
		},
		Password: cred.SelectAttrValue("password", ""),
	}
	for _, child := range cred.ChildElements() {
		if child.Tag != "Group" {
			continue
		}
		identity.Groups = append(identity.Groups, adaptor.Principal{
			Kind:      adaptor.PrincipalGroup,
			Name:      domainName(child.SelectAttrValue("domain", ""), child.SelectAttrValue("name", "")),
			Namespace: child.SelectAttrValue("namespace", ""),
		})
	}
	return identity
}

func domainName(domain, name string) string {
	if domain == "" {
		return name
	}
	return fmt.Sprintf("%s@%s", name, domain)
}

// findElement walks the tree depth-first comparing local tag names,
// ignoring namespace prefixes.
func findElement(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// findAllElements collects every descendant with the given local tag.
func findAllElements(el *etree.Element, tag string) []*etree.Element {
	if el == nil {
		return nil
	}
	var out []*etree.Element
	if el.Tag == tag {
		out = append(out, el)
	}
	for _, child := range el.ChildElements() {
		out = append(out, findAllElements(child, tag)...)
	}
	return out
}
