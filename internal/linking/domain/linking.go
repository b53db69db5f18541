// Package domain holds the account-linking data model: login methods, their
// per-tenant attribute projections, and the per-tenant uniqueness reservations.
package domain

// AccountInfoType is the kind of identifying attribute a login method carries.
type AccountInfoType string

const (
	TypeEmail       AccountInfoType = "EMAIL"
	TypePhoneNumber AccountInfoType = "PHONE_NUMBER"
	TypeThirdParty  AccountInfoType = "THIRD_PARTY"
)

// LoginMethod is one recipe-level credential, scoped to an application.
// PrimaryUserID is nil for a standalone user, equal to RecipeUserID for a
// primary user, and another user's id when linked to that primary.
type LoginMethod struct {
	RecipeUserID     string
	RecipeID         string
	Type             AccountInfoType
	Value            string
	ThirdPartyID     string // empty unless Type == TypeThirdParty
	ThirdPartyUserID string // empty unless Type == TypeThirdParty
	PrimaryUserID    *string
}

// IsPrimary reports whether the login method is the head of its group.
func (m *LoginMethod) IsPrimary() bool {
	return m.PrimaryUserID != nil && *m.PrimaryUserID == m.RecipeUserID
}

// IsLinked reports whether the login method is linked to a different primary.
func (m *LoginMethod) IsLinked() bool {
	return m.PrimaryUserID != nil && *m.PrimaryUserID != m.RecipeUserID
}

// TenantMembership projects a login method's identifying attribute into one
// tenant; a login method has one row per tenant it belongs to.
type TenantMembership struct {
	RecipeUserID     string
	TenantID         string
	RecipeID         string
	Type             AccountInfoType
	Value            string
	ThirdPartyID     string
	ThirdPartyUserID string
}

// Reservation is one row of the uniqueness ledger: (tenant, type, value) is
// claimed by PrimaryUserID's group.
type Reservation struct {
	TenantID      string
	Type          AccountInfoType
	Value         string
	PrimaryUserID string
}

// AttributeKey identifies a reservation slot without its owner.
type AttributeKey struct {
	TenantID string
	Type     AccountInfoType
	Value    string
}

// Key returns the reservation's slot.
func (r Reservation) Key() AttributeKey {
	return AttributeKey{TenantID: r.TenantID, Type: r.Type, Value: r.Value}
}

// CanBecomePrimaryStatus enumerates the outcomes of the promote dry run.
type CanBecomePrimaryStatus string

const (
	CanBecomePrimaryOK             CanBecomePrimaryStatus = "OK"
	CanBecomePrimaryAlreadyPrimary CanBecomePrimaryStatus = "ALREADY_PRIMARY"
	CanBecomePrimaryLinked         CanBecomePrimaryStatus = "LINKED_TO_ANOTHER_PRIMARY"
	CanBecomePrimaryConflict       CanBecomePrimaryStatus = "CONFLICT"
)

// CanBecomePrimaryResult is the outcome of the read-only promote check.
// LinkedTo is set for CanBecomePrimaryLinked; ConflictingPrimaryUserID and
// ConflictType for CanBecomePrimaryConflict.
type CanBecomePrimaryResult struct {
	Status                   CanBecomePrimaryStatus
	LinkedTo                 string
	ConflictingPrimaryUserID string
	ConflictType             AccountInfoType
}

// CanLinkStatus enumerates the outcomes of the link dry run.
type CanLinkStatus string

const (
	CanLinkOK               CanLinkStatus = "OK"
	CanLinkNotAPrimaryUser  CanLinkStatus = "NOT_A_PRIMARY_USER"
	CanLinkAlreadyLinked    CanLinkStatus = "ALREADY_LINKED"
	CanLinkLinkedToAnother  CanLinkStatus = "LINKED_TO_ANOTHER_PRIMARY"
	CanLinkConflict         CanLinkStatus = "CONFLICT"
)

// CanLinkResult is the outcome of the read-only link check. OtherPrimaryUserID
// is set for CanLinkLinkedToAnother; ConflictingPrimaryUserID and ConflictType
// for CanLinkConflict.
type CanLinkResult struct {
	Status                   CanLinkStatus
	OtherPrimaryUserID       string
	ConflictingPrimaryUserID string
	ConflictType             AccountInfoType
}
