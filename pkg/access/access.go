// ABOUTME: Pure access predicate mapping principal and document to eligibility
// ABOUTME: Applied as a pre-filter before ranking so inaccessible documents never influence results

package access

import "github.com/nainya/policycore/pkg/store"

// Role is the access tier of a principal.
type Role string

const (
	RoleSuperuser        Role = "superuser"
	RoleMinistry         Role = "ministry"
	RoleInstitutionAdmin Role = "institution_admin"
	RoleContributor      Role = "contributor"
	RoleAnonymous        Role = "anonymous"
)

// Principal is the caller-supplied identity and entitlement descriptor.
// Authentication happens elsewhere; the core only evaluates eligibility.
type Principal struct {
	ID            string
	Role          Role
	InstitutionID string
	MinistryID    string
}

// visibilityGrant is the baseline role x visibility table for documents
// outside the principal's own scope.
var visibilityGrant = map[Role]map[store.Visibility]bool{
	RoleSuperuser: {
		store.VisibilityPublic:       true,
		store.VisibilityInstitution:  true,
		store.VisibilityRestricted:   true,
		store.VisibilityConfidential: true,
	},
	RoleMinistry: {
		store.VisibilityPublic:     true,
		store.VisibilityRestricted: true,
	},
	RoleInstitutionAdmin: {
		store.VisibilityPublic: true,
	},
	RoleContributor: {
		store.VisibilityPublic: true,
	},
	RoleAnonymous: {
		store.VisibilityPublic: true,
	},
}

// baselineNeedsApproval marks roles whose baseline visibility grants only
// cover approved documents. Scope grants (own ministry, own institution,
// own uploads) have their own approval rules below.
var baselineNeedsApproval = map[Role]bool{
	RoleContributor: true,
	RoleAnonymous:   true,
}

// Eligible reports whether the principal may see the document. It is a
// pure function with no side effects and must be applied before ranking,
// never after, so that result ordering and counts cannot leak the
// existence of inaccessible documents.
func Eligible(p Principal, doc *store.Document) bool {
	switch p.Role {
	case RoleSuperuser:
		return true

	case RoleMinistry:
		// Any-status documents of institutions under this ministry.
		if p.MinistryID != "" && doc.MinistryID == p.MinistryID {
			return true
		}

	case RoleInstitutionAdmin:
		// Any-status documents of the principal's own institution.
		if p.InstitutionID != "" && doc.InstitutionID == p.InstitutionID {
			return true
		}

	case RoleContributor:
		// Approved documents of the principal's own institution.
		if p.InstitutionID != "" && doc.InstitutionID == p.InstitutionID &&
			doc.Approval == store.ApprovalApproved {
			return true
		}
	}

	// Own uploads of any status, for every authenticated role.
	if p.Role != RoleAnonymous && p.ID != "" && doc.UploaderID == p.ID {
		return true
	}

	grants, ok := visibilityGrant[p.Role]
	if !ok {
		// Unknown roles get nothing.
		return false
	}
	if !grants[doc.Visibility] {
		return false
	}
	if baselineNeedsApproval[p.Role] && doc.Approval != store.ApprovalApproved {
		return false
	}
	return true
}

// FilterEligible returns only the documents the principal may see,
// preserving input order.
func FilterEligible(p Principal, docs []*store.Document) []*store.Document {
	eligible := make([]*store.Document, 0, len(docs))
	for _, d := range docs {
		if Eligible(p, d) {
			eligible = append(eligible, d)
		}
	}
	return eligible
}
