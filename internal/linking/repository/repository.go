package repository

import (
	"context"
	"fmt"

	"auth-platform/storage/internal/linking/domain"
)

// Constraint names surfaced by UniqueViolationError, matching the migration DDL.
const (
	ConstraintLoginMethods = "login_methods_pkey"
	ConstraintMemberships  = "tenant_memberships_pkey"
	ConstraintReservations = "primary_reservations_pkey"
)

// UniqueViolationError reports a unique-constraint violation. The service
// layer translates it into the operation-specific conflict kind.
type UniqueViolationError struct {
	Table      string
	Constraint string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation on %s (%s)", e.Table, e.Constraint)
}

// LockRef is the per-user state the locking protocol reads: the recipe id and
// the current primary-user pointer (nil when standalone).
type LockRef struct {
	RecipeID      string
	PrimaryUserID *string
}

// MembershipOwner is one row of the tenant-membership conflict scan: which
// recipe user owns a contested attribute, and of what kind.
type MembershipOwner struct {
	RecipeUserID string
	Type         domain.AccountInfoType
}

// Store is keyed read/write/delete over the three linking tables. No conflict
// policy lives here; scans return rows ordered with THIRD_PARTY first and then
// by key, so "first encountered" is deterministic for the layer above.
type Store interface {
	// Lock support.
	GetLockRef(ctx context.Context, appID, userID string) (*LockRef, error)
	AcquireRowLock(ctx context.Context, appID, userID string) (bool, error)

	// Login methods.
	GetLoginMethod(ctx context.Context, appID, userID string) (*domain.LoginMethod, error)
	InsertLoginMethod(ctx context.Context, appID string, m *domain.LoginMethod) error
	SetPrimaryUserID(ctx context.Context, appID, userID string, primaryUserID *string) (int64, error)
	ListLoginMethodAttributes(ctx context.Context, appID, userID string) ([]domain.LoginMethod, error)
	DeleteLoginMethodAttribute(ctx context.Context, appID, userID string, typ domain.AccountInfoType) (int64, error)
	UpsertLoginMethodValue(ctx context.Context, appID, userID string, typ domain.AccountInfoType, value string) error

	// Tenant memberships.
	InsertMembership(ctx context.Context, appID string, m *domain.TenantMembership) error
	InsertMembershipIgnore(ctx context.Context, appID string, m *domain.TenantMembership) error
	FindMembershipOwners(ctx context.Context, appID, tenantID string, attrs []domain.LoginMethod) ([]MembershipOwner, error)
	RewriteMembershipValue(ctx context.Context, appID, userID string, typ domain.AccountInfoType, value string) error
	DeleteMembershipAttribute(ctx context.Context, appID, userID string, typ domain.AccountInfoType) (int64, error)
	DeleteMembershipsForTenant(ctx context.Context, appID, tenantID, userID string) (int64, error)

	// Attribute key sets feeding the reservation algorithms.
	ListUnlinkedAttributeKeys(ctx context.Context, appID, userID string) ([]domain.AttributeKey, error)
	ListLinkAttributeKeys(ctx context.Context, appID, primaryUserID, recipeUserID string) ([]domain.AttributeKey, error)
	ListGroupAttributeKeys(ctx context.Context, appID, primaryUserID, tenantID string) ([]domain.AttributeKey, error)

	// Reservations.
	FindReservations(ctx context.Context, appID string, keys []domain.AttributeKey) ([]domain.Reservation, error)
	InsertReservationsIgnore(ctx context.Context, appID string, keys []domain.AttributeKey, primaryUserID string) error
	FindLinkConflict(ctx context.Context, appID, primaryUserID, recipeUserID string) (*domain.Reservation, error)
	InsertReservationsForValue(ctx context.Context, appID, primaryUserID, userID string, typ domain.AccountInfoType, value string) (int64, error)
	DeleteReservationsNotJustifiedBySiblings(ctx context.Context, appID, primaryUserID, excludeUserID string, typ domain.AccountInfoType) (int64, error)
	DeleteReservationsForTenantRemoval(ctx context.Context, appID, tenantID, userID string) (int64, error)
	DeleteReservationsForUnlink(ctx context.Context, appID, userID string) (int64, error)

	// Whole-user removal.
	DeleteAllForUser(ctx context.Context, appID, userID string) error
}
