// Package service implements the account-linking decision engine: promotion,
// dry-run checks, link commits, attribute updates with conflict resolution,
// tenant propagation, and the unlink/delete cleanup passes. Every mutation
// takes a locked-user handle, so lock discipline cannot be bypassed.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"auth-platform/storage/internal/linking/domain"
	"auth-platform/storage/internal/linking/locker"
	"auth-platform/storage/internal/linking/repository"
)

// Ops is the transaction-scoped engine surface. Construct it over a store
// bound to the caller's transaction; recipe modules compose several calls into
// one commit.
type Ops struct {
	store repository.Store
	log   *zap.Logger
}

func NewOps(store repository.Store, log *zap.Logger) *Ops {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ops{store: store, log: log}
}

// firstForeignReservation picks the reported conflict from a THIRD_PARTY-first
// ordered reservation scan, skipping rows already owned by ownerID.
func firstForeignReservation(rows []domain.Reservation, ownerID string) *domain.Reservation {
	for i := range rows {
		if rows[i].PrimaryUserID != ownerID {
			return &rows[i]
		}
	}
	return nil
}

// PromoteToPrimary makes the locked user the head of its own group. Returns
// false without writing when the user is already primary. Fails with
// *domain.CannotBecomePrimaryError when linked elsewhere and with
// *domain.AlreadyAssociatedError when one of the user's tenant attributes is
// reserved by a different group.
func (o *Ops) PromoteToPrimary(ctx context.Context, appID string, user *locker.LockedUser) (bool, error) {
	if user.IsPrimary() {
		return false, nil
	}
	if user.IsLinked() {
		return false, &domain.CannotBecomePrimaryError{LinkedTo: *user.PrimaryUserID()}
	}

	userID := user.RecipeUserID()
	keys, err := o.store.ListUnlinkedAttributeKeys(ctx, appID, userID)
	if err != nil {
		return false, err
	}
	existing, err := o.store.FindReservations(ctx, appID, keys)
	if err != nil {
		return false, err
	}
	if conflict := firstForeignReservation(existing, userID); conflict != nil {
		return false, &domain.AlreadyAssociatedError{PrimaryUserID: conflict.PrimaryUserID, Type: conflict.Type}
	}

	if err := o.store.InsertReservationsIgnore(ctx, appID, keys, userID); err != nil {
		return false, err
	}
	self := userID
	n, err := o.store.SetPrimaryUserID(ctx, appID, userID, &self)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, domain.ErrUnknownUser
	}
	o.log.Debug("promoted user to primary", zap.String("app_id", appID), zap.String("recipe_user_id", userID))
	return true, nil
}

// CanBecomePrimary is the read-only dry run of PromoteToPrimary.
func (o *Ops) CanBecomePrimary(ctx context.Context, appID, userID string) (domain.CanBecomePrimaryResult, error) {
	m, err := o.store.GetLoginMethod(ctx, appID, userID)
	if err != nil {
		return domain.CanBecomePrimaryResult{}, err
	}
	if m == nil {
		return domain.CanBecomePrimaryResult{}, domain.ErrUnknownUser
	}
	if m.IsPrimary() {
		return domain.CanBecomePrimaryResult{Status: domain.CanBecomePrimaryAlreadyPrimary}, nil
	}
	if m.IsLinked() {
		return domain.CanBecomePrimaryResult{
			Status:   domain.CanBecomePrimaryLinked,
			LinkedTo: *m.PrimaryUserID,
		}, nil
	}

	keys, err := o.store.ListUnlinkedAttributeKeys(ctx, appID, userID)
	if err != nil {
		return domain.CanBecomePrimaryResult{}, err
	}
	existing, err := o.store.FindReservations(ctx, appID, keys)
	if err != nil {
		return domain.CanBecomePrimaryResult{}, err
	}
	if conflict := firstForeignReservation(existing, userID); conflict != nil {
		return domain.CanBecomePrimaryResult{
			Status:                   domain.CanBecomePrimaryConflict,
			ConflictingPrimaryUserID: conflict.PrimaryUserID,
			ConflictType:             conflict.Type,
		}, nil
	}
	return domain.CanBecomePrimaryResult{Status: domain.CanBecomePrimaryOK}, nil
}

// CanLink is the read-only dry run of ReserveForLinking.
func (o *Ops) CanLink(ctx context.Context, appID, primaryCandidateID, recipeUserID string) (domain.CanLinkResult, error) {
	pm, err := o.store.GetLoginMethod(ctx, appID, primaryCandidateID)
	if err != nil {
		return domain.CanLinkResult{}, err
	}
	if pm == nil {
		return domain.CanLinkResult{}, domain.ErrUnknownUser
	}
	if pm.PrimaryUserID == nil {
		return domain.CanLinkResult{Status: domain.CanLinkNotAPrimaryUser}, nil
	}
	resolved := *pm.PrimaryUserID

	rm, err := o.store.GetLoginMethod(ctx, appID, recipeUserID)
	if err != nil {
		return domain.CanLinkResult{}, err
	}
	if rm == nil {
		return domain.CanLinkResult{}, domain.ErrUnknownUser
	}
	if rm.PrimaryUserID != nil {
		if *rm.PrimaryUserID == resolved {
			return domain.CanLinkResult{Status: domain.CanLinkAlreadyLinked}, nil
		}
		return domain.CanLinkResult{
			Status:             domain.CanLinkLinkedToAnother,
			OtherPrimaryUserID: *rm.PrimaryUserID,
		}, nil
	}

	conflict, err := o.store.FindLinkConflict(ctx, appID, resolved, recipeUserID)
	if err != nil {
		return domain.CanLinkResult{}, err
	}
	if conflict != nil {
		return domain.CanLinkResult{
			Status:                   domain.CanLinkConflict,
			ConflictingPrimaryUserID: conflict.PrimaryUserID,
			ConflictType:             conflict.Type,
		}, nil
	}
	return domain.CanLinkResult{Status: domain.CanLinkOK}, nil
}

// ReserveForLinking links the locked recipe user under the primary resolved
// from the locked primary handle: reserves the cross product of both
// identities' tenants and attributes, then points the recipe user at the
// primary. Returns false without writing when already linked to that same
// primary.
func (o *Ops) ReserveForLinking(ctx context.Context, appID string, recipeUser, primaryUser *locker.LockedUser) (bool, error) {
	resolvedPtr := primaryUser.PrimaryUserID()
	if resolvedPtr == nil {
		return false, &domain.NotPrimaryUserError{UserID: primaryUser.RecipeUserID()}
	}
	resolved := *resolvedPtr

	recipeUserID := recipeUser.RecipeUserID()
	if p := recipeUser.PrimaryUserID(); p != nil {
		if *p == resolved {
			return false, nil
		}
		if recipeUser.IsPrimary() {
			return false, domain.ErrCannotLinkPrimaryUser
		}
		return false, &domain.AlreadyLinkedError{PrimaryUserID: *p}
	}

	conflict, err := o.store.FindLinkConflict(ctx, appID, resolved, recipeUserID)
	if err != nil {
		return false, err
	}
	if conflict != nil {
		return false, &domain.AlreadyAssociatedError{PrimaryUserID: conflict.PrimaryUserID, Type: conflict.Type}
	}

	keys, err := o.store.ListLinkAttributeKeys(ctx, appID, resolved, recipeUserID)
	if err != nil {
		return false, err
	}
	if err := o.store.InsertReservationsIgnore(ctx, appID, keys, resolved); err != nil {
		return false, err
	}
	n, err := o.store.SetPrimaryUserID(ctx, appID, recipeUserID, &resolved)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, domain.ErrUnknownUser
	}
	o.log.Debug("linked recipe user to primary",
		zap.String("app_id", appID),
		zap.String("recipe_user_id", recipeUserID),
		zap.String("primary_user_id", resolved))
	return true, nil
}

// UpdateAccountInfo rewrites the locked user's email or phone number across
// its login method, tenant memberships, and group reservations. A nil
// newValue removes the attribute. Third-party values are immutable.
func (o *Ops) UpdateAccountInfo(ctx context.Context, appID string, user *locker.LockedUser, typ domain.AccountInfoType, newValue *string) error {
	if typ == domain.TypeThirdParty {
		return domain.ErrThirdPartyInfoImmutable
	}

	userID := user.RecipeUserID()
	var primary string
	grouped := user.PrimaryUserID() != nil
	if grouped {
		primary = *user.PrimaryUserID()
		// Phase 1: drop the group's reservations of this type that no sibling
		// still justifies, before the old value disappears from memberships.
		if _, err := o.store.DeleteReservationsNotJustifiedBySiblings(ctx, appID, primary, userID, typ); err != nil {
			return err
		}
	}

	if newValue == nil {
		if _, err := o.store.DeleteMembershipAttribute(ctx, appID, userID, typ); err != nil {
			return err
		}
		if _, err := o.store.DeleteLoginMethodAttribute(ctx, appID, userID, typ); err != nil {
			return err
		}
		return nil
	}

	// Phase 2: rewrite the tenant projections. A key owned by a different
	// recipe user is a steal attempt; report it by the user's group status.
	if err := o.store.RewriteMembershipValue(ctx, appID, userID, typ, *newValue); err != nil {
		var uv *repository.UniqueViolationError
		if errors.As(err, &uv) {
			if grouped {
				return &domain.ChangeNotAllowedError{Type: typ}
			}
			return &domain.DuplicateError{Type: typ}
		}
		return err
	}

	// Phase 3: re-reserve the new value for the group in every tenant.
	if grouped {
		if _, err := o.store.InsertReservationsForValue(ctx, appID, primary, userID, typ, *newValue); err != nil {
			var uv *repository.UniqueViolationError
			if errors.As(err, &uv) {
				return &domain.ChangeNotAllowedError{Type: typ}
			}
			return err
		}
	}

	return o.store.UpsertLoginMethodValue(ctx, appID, userID, typ, *newValue)
}

// AddLoginMethod persists a new recipe user's login method and projects its
// attribute into the given tenants. Called at signup, before any linking.
func (o *Ops) AddLoginMethod(ctx context.Context, appID string, m *domain.LoginMethod, tenantIDs []string) error {
	if err := o.store.InsertLoginMethod(ctx, appID, m); err != nil {
		var uv *repository.UniqueViolationError
		if errors.As(err, &uv) {
			return &domain.DuplicateError{Type: m.Type}
		}
		return err
	}
	for _, tenantID := range tenantIDs {
		membership := &domain.TenantMembership{
			RecipeUserID:     m.RecipeUserID,
			TenantID:         tenantID,
			RecipeID:         m.RecipeID,
			Type:             m.Type,
			Value:            m.Value,
			ThirdPartyID:     m.ThirdPartyID,
			ThirdPartyUserID: m.ThirdPartyUserID,
		}
		if err := o.store.InsertMembership(ctx, appID, membership); err != nil {
			var uv *repository.UniqueViolationError
			if errors.As(err, &uv) {
				return &domain.DuplicateError{Type: m.Type}
			}
			return err
		}
	}
	return nil
}

// AddTenantToRecipeUser clones the locked user's attributes into tenantID. An
// attribute already owned there by a different recipe user fails with
// *domain.DuplicateError; gaining a tenant is never a value change.
func (o *Ops) AddTenantToRecipeUser(ctx context.Context, appID, tenantID string, user *locker.LockedUser) error {
	userID := user.RecipeUserID()
	attrs, err := o.store.ListLoginMethodAttributes(ctx, appID, userID)
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return domain.ErrUnknownUser
	}

	owners, err := o.store.FindMembershipOwners(ctx, appID, tenantID, attrs)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if owner.RecipeUserID != userID {
			return &domain.DuplicateError{Type: owner.Type}
		}
	}

	for i := range attrs {
		membership := &domain.TenantMembership{
			RecipeUserID:     userID,
			TenantID:         tenantID,
			RecipeID:         attrs[i].RecipeID,
			Type:             attrs[i].Type,
			Value:            attrs[i].Value,
			ThirdPartyID:     attrs[i].ThirdPartyID,
			ThirdPartyUserID: attrs[i].ThirdPartyUserID,
		}
		if err := o.store.InsertMembershipIgnore(ctx, appID, membership); err != nil {
			return err
		}
	}
	return nil
}

// AddTenantToPrimaryUser projects the group's reservations into tenantID. A
// slot held there by a different group fails with
// *domain.AlreadyAssociatedError.
func (o *Ops) AddTenantToPrimaryUser(ctx context.Context, appID, tenantID string, primary *locker.LockedUser) error {
	resolvedPtr := primary.PrimaryUserID()
	if resolvedPtr == nil {
		return &domain.NotPrimaryUserError{UserID: primary.RecipeUserID()}
	}
	resolved := *resolvedPtr

	keys, err := o.store.ListGroupAttributeKeys(ctx, appID, resolved, tenantID)
	if err != nil {
		return err
	}
	existing, err := o.store.FindReservations(ctx, appID, keys)
	if err != nil {
		return err
	}
	if conflict := firstForeignReservation(existing, resolved); conflict != nil {
		return &domain.AlreadyAssociatedError{PrimaryUserID: conflict.PrimaryUserID, Type: conflict.Type}
	}
	return o.store.InsertReservationsIgnore(ctx, appID, keys, resolved)
}

// RemoveTenantFromRecipeUser revokes the locked user's membership in tenantID
// and prunes group reservations that depended solely on it.
func (o *Ops) RemoveTenantFromRecipeUser(ctx context.Context, appID, tenantID string, user *locker.LockedUser) error {
	userID := user.RecipeUserID()
	// Prune first: the pruning query treats the user's rows in tenantID as
	// already gone but still needs the rest of them to resolve the group.
	if _, err := o.store.DeleteReservationsForTenantRemoval(ctx, appID, tenantID, userID); err != nil {
		return err
	}
	_, err := o.store.DeleteMembershipsForTenant(ctx, appID, tenantID, userID)
	return err
}

// Unlink detaches the locked user from its group: prunes reservations only
// this user justified, then clears the primary pointer. Returns false without
// writing when the user is not in a group.
func (o *Ops) Unlink(ctx context.Context, appID string, user *locker.LockedUser) (bool, error) {
	if user.PrimaryUserID() == nil {
		return false, nil
	}
	userID := user.RecipeUserID()
	if _, err := o.store.DeleteReservationsForUnlink(ctx, appID, userID); err != nil {
		return false, err
	}
	n, err := o.store.SetPrimaryUserID(ctx, appID, userID, nil)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, domain.ErrUnknownUser
	}
	o.log.Debug("unlinked recipe user", zap.String("app_id", appID), zap.String("recipe_user_id", userID))
	return true, nil
}

// DeleteUser removes every trace of the locked user: the unlink pruning pass
// while the user's rows still resolve its group, then the login-method and
// membership rows themselves.
func (o *Ops) DeleteUser(ctx context.Context, appID string, user *locker.LockedUser) error {
	userID := user.RecipeUserID()
	if user.PrimaryUserID() != nil {
		if _, err := o.store.DeleteReservationsForUnlink(ctx, appID, userID); err != nil {
			return err
		}
	}
	return o.store.DeleteAllForUser(ctx, appID, userID)
}
