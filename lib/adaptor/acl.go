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

package adaptor

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

// AuthzStatus is the outcome of an authorization check for a single
// document.
type AuthzStatus int

const (
	// Indeterminate means the check could not decide either way.
	Indeterminate AuthzStatus = iota
	// Permit grants access.
	Permit
	// Deny refuses access.
	Deny
)

// String returns the lowercase name of the status.
func (s AuthzStatus) String() string {
	switch s {
	case Permit:
		return "permit"
	case Deny:
		return "deny"
	default:
		return "indeterminate"
	}
}

// PrincipalKind distinguishes users from groups.
type PrincipalKind int

const (
	// PrincipalUser is an individual identity.
	PrincipalUser PrincipalKind = iota
	// PrincipalGroup is a named collection of identities.
	PrincipalGroup
)

// Principal names a user or group inside a namespace. Whether names
// compare case sensitively is a property of the enclosing Acl, not of the
// principal itself.
type Principal struct {
	Kind      PrincipalKind
	Name      string
	Namespace string
}

// NewUser returns a user principal in the default namespace.
func NewUser(name string) Principal {
	return Principal{Kind: PrincipalUser, Name: name}
}

// NewGroup returns a group principal in the default namespace.
func NewGroup(name string) Principal {
	return Principal{Kind: PrincipalGroup, Name: name}
}

// DomainFormat selects how a principal name carrying a domain component
// is rendered on the wire.
type DomainFormat int

const (
	// DomainFormatDNS renders user@domain.
	DomainFormatDNS DomainFormat = iota
	// DomainFormatNetbios renders domain\user.
	DomainFormatNetbios
)

// ParseDomainFormat maps the configuration spelling of a domain format.
// The empty string selects DNS.
func ParseDomainFormat(s string) (DomainFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dns":
		return DomainFormatDNS, nil
	case "netbios":
		return DomainFormatNetbios, nil
	default:
		return DomainFormatDNS, trace.BadParameter("unknown domain format %q, expected dns or netbios", s)
	}
}

// splitDomain separates a principal name into (domain, bare name)
// accepting either user@domain or domain\user spelling.
func splitDomain(name string) (domain, bare string) {
	if i := strings.Index(name, "\\"); i >= 0 {
		return name[:i], name[i+1:]
	}
	if i := strings.LastIndex(name, "@"); i >= 0 {
		return name[i+1:], name[:i]
	}
	return "", name
}

// FormatName renders name in the requested domain format. Names without
// a domain component are returned unchanged.
func (f DomainFormat) FormatName(name string) string {
	domain, bare := splitDomain(name)
	if domain == "" {
		return bare
	}
	if f == DomainFormatNetbios {
		return domain + "\\" + bare
	}
	return bare + "@" + domain
}

// InheritanceType controls how a node's decision combines with its
// child's during chain evaluation.
type InheritanceType int

const (
	// LeafNode terminates a chain; only valid at the leaf position.
	LeafNode InheritanceType = iota
	// ParentOverrides takes the parent's decision when decisive.
	ParentOverrides
	// ChildOverrides takes the child's decision when decisive.
	ChildOverrides
	// AndBothPermit permits only when both parent and child permit.
	AndBothPermit
)

// String returns the feed-file spelling of the inheritance type.
func (t InheritanceType) String() string {
	switch t {
	case ParentOverrides:
		return "parent-overrides"
	case ChildOverrides:
		return "child-overrides"
	case AndBothPermit:
		return "and-both-permit"
	default:
		return "leaf-node"
	}
}

// CaseSensitivity controls principal name comparison within an Acl.
type CaseSensitivity int

const (
	// CaseSensitive compares names exactly.
	CaseSensitive CaseSensitivity = iota
	// CaseInsensitive folds names before comparison.
	CaseInsensitive
)

// DocIdFragment addresses an Acl attached to a document, optionally to a
// named fragment of it.
type DocIdFragment struct {
	DocId    DocId
	Fragment string
}

// Acl is a single node of an access control chain: permitted and denied
// users and groups, an optional parent to inherit from, and the rules for
// combining with that parent.
type Acl struct {
	PermitUsers  []Principal
	DenyUsers    []Principal
	PermitGroups []Principal
	DenyGroups   []Principal
	// InheritFrom points at the parent node; nil for chain roots.
	InheritFrom     *DocIdFragment
	InheritanceType InheritanceType
	CaseSensitivity CaseSensitivity
}

// IsEmpty reports whether the node carries no principals and no parent.
func (a *Acl) IsEmpty() bool {
	return a == nil || (len(a.PermitUsers) == 0 && len(a.DenyUsers) == 0 &&
		len(a.PermitGroups) == 0 && len(a.DenyGroups) == 0 && a.InheritFrom == nil)
}

// Equal reports whether two nodes carry the same principals, parent, and
// combination rules. Principal order is not significant.
func (a *Acl) Equal(o *Acl) bool {
	if a == nil || o == nil {
		return a == o
	}
	if a.InheritanceType != o.InheritanceType || a.CaseSensitivity != o.CaseSensitivity {
		return false
	}
	if (a.InheritFrom == nil) != (o.InheritFrom == nil) {
		return false
	}
	if a.InheritFrom != nil && *a.InheritFrom != *o.InheritFrom {
		return false
	}
	return equalPrincipals(a.SortedPermitUsers(), o.SortedPermitUsers()) &&
		equalPrincipals(a.SortedDenyUsers(), o.SortedDenyUsers()) &&
		equalPrincipals(a.SortedPermitGroups(), o.SortedPermitGroups()) &&
		equalPrincipals(a.SortedDenyGroups(), o.SortedDenyGroups())
}

func equalPrincipals(x, y []Principal) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// AuthnIdentity is the authenticated identity an authorization decision
// is made for.
type AuthnIdentity struct {
	User     Principal
	Groups   []Principal
	Password string
}

func (a *Acl) equalName(x, y string) bool {
	xd, xn := splitDomain(x)
	yd, yn := splitDomain(y)
	if a.CaseSensitivity == CaseInsensitive {
		xd, xn = strings.ToLower(xd), strings.ToLower(xn)
		yd, yn = strings.ToLower(yd), strings.ToLower(yn)
	}
	return xd == yd && xn == yn
}

func (a *Acl) contains(list []Principal, p Principal) bool {
	for _, q := range list {
		if q.Kind == p.Kind && q.Namespace == p.Namespace && a.equalName(q.Name, p.Name) {
			return true
		}
	}
	return false
}

// Decide evaluates this single node for identity: Deny when the identity
// appears in a deny set, else Permit when it appears in a permit set,
// else Indeterminate.
func (a *Acl) Decide(identity AuthnIdentity) AuthzStatus {
	if a.contains(a.DenyUsers, identity.User) {
		return Deny
	}
	for _, g := range identity.Groups {
		if a.contains(a.DenyGroups, g) {
			return Deny
		}
	}
	if a.contains(a.PermitUsers, identity.User) {
		return Permit
	}
	for _, g := range identity.Groups {
		if a.contains(a.PermitGroups, g) {
			return Permit
		}
	}
	return Indeterminate
}

// combine merges the parent's decision with the already-combined child
// decision according to the parent's inheritance type. The inheritance
// type is a property of the parent node: it declares how children
// inherit from it. LeafNode in combining position is invalid and yields
// Indeterminate.
func combine(parent, child AuthzStatus, t InheritanceType) AuthzStatus {
	switch t {
	case ParentOverrides:
		if parent != Indeterminate {
			return parent
		}
		return child
	case ChildOverrides:
		if child != Indeterminate {
			return child
		}
		return parent
	case AndBothPermit:
		if parent == Permit && child == Permit {
			return Permit
		}
		if parent != Permit {
			return parent
		}
		return child
	default:
		return Indeterminate
	}
}

// EvaluateChain computes the decision for an inheritance chain ordered
// root first, leaf last. Evaluation folds right-to-left, combining each
// parent's own decision with the accumulated child decision under the
// parent's inheritance type. An empty chain is Indeterminate.
func EvaluateChain(chain []*Acl, identity AuthnIdentity) AuthzStatus {
	if len(chain) == 0 {
		return Indeterminate
	}
	leaf := chain[len(chain)-1]
	decision := leaf.Decide(identity)
	for i := len(chain) - 2; i >= 0; i-- {
		parent := chain[i]
		decision = combine(parent.Decide(identity), decision, parent.InheritanceType)
	}
	return decision
}

// AclResolver fetches Acl nodes by document reference when walking an
// inheritance chain.
type AclResolver interface {
	ResolveAcl(ref DocIdFragment) (*Acl, bool)
}

// ResolveChain materializes the chain ending at leaf by following
// InheritFrom links through resolver, bounded by maxDepth. A missing
// parent or a chain longer than maxDepth (cycles included) returns nil,
// which evaluates to Indeterminate.
func ResolveChain(leafRef DocIdFragment, resolver AclResolver, maxDepth int) []*Acl {
	var reversed []*Acl
	ref := leafRef
	for depth := 0; ; depth++ {
		if depth >= maxDepth {
			slog.Warn("ACL chain exceeded depth budget, treating as broken",
				"doc_id", string(leafRef.DocId), "depth", depth)
			return nil
		}
		node, ok := resolver.ResolveAcl(ref)
		if !ok {
			slog.Warn("ACL chain is broken, parent is missing",
				"doc_id", string(leafRef.DocId), "missing", string(ref.DocId))
			return nil
		}
		reversed = append(reversed, node)
		if node.InheritFrom == nil {
			break
		}
		ref = *node.InheritFrom
	}
	chain := make([]*Acl, len(reversed))
	for i, node := range reversed {
		chain[len(reversed)-1-i] = node
	}
	return chain
}

// sortPrincipals orders principals for stable serialization.
func sortPrincipals(list []Principal) []Principal {
	out := append([]Principal(nil), list...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// SortedPermitUsers returns the permit user set in stable order.
func (a *Acl) SortedPermitUsers() []Principal { return sortPrincipals(a.PermitUsers) }

// SortedDenyUsers returns the deny user set in stable order.
func (a *Acl) SortedDenyUsers() []Principal { return sortPrincipals(a.DenyUsers) }

// SortedPermitGroups returns the permit group set in stable order.
func (a *Acl) SortedPermitGroups() []Principal { return sortPrincipals(a.PermitGroups) }

// SortedDenyGroups returns the deny group set in stable order.
func (a *Acl) SortedDenyGroups() []Principal { return sortPrincipals(a.DenyGroups) }
