package repository

import (
	"context"

	"auth-platform/storage/internal/linking/domain"
)

// DeleteReservationsNotJustifiedBySiblings drops the group's reservations of
// the given type whose (tenant, value) slot is no longer backed by any group
// member's membership rows, ignoring excludeUserID (the member whose attribute
// is being rewritten).
func (s *PostgresStore) DeleteReservationsNotJustifiedBySiblings(ctx context.Context, appID, primaryUserID, excludeUserID string, typ domain.AccountInfoType) (int64, error) {
	const q = `DELETE FROM primary_reservations p
		WHERE p.app_id = $1 AND p.primary_user_id = $2 AND p.account_info_type = $3
		AND NOT EXISTS (
			SELECT 1 FROM tenant_memberships t
			WHERE t.app_id = $1 AND t.tenant_id = p.tenant_id
			AND t.account_info_value = p.account_info_value
			AND t.recipe_user_id IN (
				SELECT recipe_user_id FROM login_methods
				WHERE app_id = $1 AND primary_user_id = $2 AND recipe_user_id <> $4
			)
		)`

	res, err := s.db.ExecContext(ctx, q, appID, primaryUserID, typ, excludeUserID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteReservationsForTenantRemoval drops the group's reservations in tenants
// no group member belongs to anymore, once userID's membership in tenantID is
// treated as removed.
func (s *PostgresStore) DeleteReservationsForTenantRemoval(ctx context.Context, appID, tenantID, userID string) (int64, error) {
	const q = `DELETE FROM primary_reservations
		WHERE app_id = $1 AND primary_user_id IN (
			SELECT primary_user_id FROM login_methods
			WHERE app_id = $1 AND recipe_user_id = $2 AND primary_user_id IS NOT NULL LIMIT 1
		)
		AND tenant_id NOT IN (
			SELECT DISTINCT tenant_id FROM tenant_memberships
			WHERE app_id = $1 AND recipe_user_id IN (
				SELECT recipe_user_id FROM login_methods
				WHERE app_id = $1 AND primary_user_id IN (
					SELECT primary_user_id FROM login_methods
					WHERE app_id = $1 AND recipe_user_id = $2 AND primary_user_id IS NOT NULL LIMIT 1
				)
			)
			AND ((recipe_user_id = $2 AND tenant_id <> $3) OR recipe_user_id <> $2)
		)`

	res, err := s.db.ExecContext(ctx, q, appID, userID, tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteReservationsForUnlink drops the group's reservations that only userID
// justified: slots whose attribute no remaining member carries, or in tenants
// no remaining member belongs to. Callers clear the user's primary pointer
// separately in the same transaction.
func (s *PostgresStore) DeleteReservationsForUnlink(ctx context.Context, appID, userID string) (int64, error) {
	const q = `DELETE FROM primary_reservations
		WHERE app_id = $1 AND primary_user_id IN (
			SELECT primary_user_id FROM login_methods
			WHERE app_id = $1 AND recipe_user_id = $2 AND primary_user_id IS NOT NULL LIMIT 1
		)
		AND (
			(account_info_type, account_info_value) NOT IN (
				SELECT DISTINCT account_info_type, account_info_value FROM login_methods
				WHERE app_id = $1 AND primary_user_id IN (
					SELECT primary_user_id FROM login_methods
					WHERE app_id = $1 AND recipe_user_id = $2 AND primary_user_id IS NOT NULL LIMIT 1
				)
				AND recipe_user_id <> $2
			)
			OR tenant_id NOT IN (
				SELECT DISTINCT tenant_id FROM tenant_memberships
				WHERE app_id = $1 AND recipe_user_id IN (
					SELECT recipe_user_id FROM login_methods
					WHERE app_id = $1 AND primary_user_id IN (
						SELECT primary_user_id FROM login_methods
						WHERE app_id = $1 AND recipe_user_id = $2 AND primary_user_id IS NOT NULL LIMIT 1
					)
					AND recipe_user_id <> $2
				)
			)
		)`

	res, err := s.db.ExecContext(ctx, q, appID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAllForUser removes the user's membership and login-method rows.
// Reservation cleanup (DeleteReservationsForUnlink) must run first while the
// login-method rows still resolve the user's group.
func (s *PostgresStore) DeleteAllForUser(ctx context.Context, appID, userID string) error {
	const delMemberships = `DELETE FROM tenant_memberships
		WHERE app_id = $1 AND recipe_user_id = $2`
	const delLoginMethods = `DELETE FROM login_methods
		WHERE app_id = $1 AND recipe_user_id = $2`

	if _, err := s.db.ExecContext(ctx, delMemberships, appID, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, delLoginMethods, appID, userID)
	return err
}
