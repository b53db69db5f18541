package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"auth-platform/storage/internal/db"
	"auth-platform/storage/internal/linking/domain"
)

// typePriority orders conflict scans: THIRD_PARTY rows first, then by key, so
// the first row the caller sees is the one the priority rule reports.
const typePriority = "CASE WHEN account_info_type = 'THIRD_PARTY' THEN 0 ELSE 1 END"

type PostgresStore struct {
	db db.DBTX
}

// NewPostgresStore returns a linking store over the given handle. Pass a
// *sql.Tx for transactional use; every engine mutation requires one.
func NewPostgresStore(dbtx db.DBTX) *PostgresStore {
	return &PostgresStore{db: dbtx}
}

// asUniqueViolation converts Postgres unique violations (23505) into
// *UniqueViolationError and passes every other error through.
func asUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &UniqueViolationError{Table: pgErr.TableName, Constraint: pgErr.ConstraintName}
	}
	return err
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// GetLockRef returns the recipe id and current primary pointer for userID, or
// nil if the user does not exist. It does not lock the row.
func (s *PostgresStore) GetLockRef(ctx context.Context, appID, userID string) (*LockRef, error) {
	const q = `SELECT recipe_id, primary_user_id FROM login_methods
		WHERE app_id = $1 AND recipe_user_id = $2 LIMIT 1`

	var ref LockRef
	var primary sql.NullString
	err := s.db.QueryRowContext(ctx, q, appID, userID).Scan(&ref.RecipeID, &primary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if primary.Valid {
		v := strings.TrimSpace(primary.String)
		ref.PrimaryUserID = &v
	}
	return &ref, nil
}

// AcquireRowLock takes exclusive row locks on all of the user's login method
// rows. Returns false if the user does not exist. Blocks until the locks are
// granted or the transaction's lock_timeout expires. A user can hold several
// rows; locking a subset would let two sessions lock disjoint rows of the
// same user, so the count forces the scan to visit every row.
func (s *PostgresStore) AcquireRowLock(ctx context.Context, appID, userID string) (bool, error) {
	const q = `SELECT count(*) FROM (
			SELECT 1 FROM login_methods
			WHERE app_id = $1 AND recipe_user_id = $2 FOR UPDATE) locked`

	var n int64
	if err := s.db.QueryRowContext(ctx, q, appID, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLoginMethod returns the login method for userID, or nil if not found.
func (s *PostgresStore) GetLoginMethod(ctx context.Context, appID, userID string) (*domain.LoginMethod, error) {
	const q = `SELECT recipe_user_id, recipe_id, account_info_type, account_info_value,
			third_party_id, third_party_user_id, primary_user_id
		FROM login_methods WHERE app_id = $1 AND recipe_user_id = $2 LIMIT 1`

	m, err := scanLoginMethod(s.db.QueryRowContext(ctx, q, appID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoginMethod(row rowScanner) (*domain.LoginMethod, error) {
	var m domain.LoginMethod
	var primary sql.NullString
	err := row.Scan(&m.RecipeUserID, &m.RecipeID, &m.Type, &m.Value,
		&m.ThirdPartyID, &m.ThirdPartyUserID, &primary)
	if err != nil {
		return nil, err
	}
	m.RecipeUserID = strings.TrimSpace(m.RecipeUserID)
	if primary.Valid {
		v := strings.TrimSpace(primary.String)
		m.PrimaryUserID = &v
	}
	return &m, nil
}

// InsertLoginMethod persists a new login method row.
func (s *PostgresStore) InsertLoginMethod(ctx context.Context, appID string, m *domain.LoginMethod) error {
	const q = `INSERT INTO login_methods
			(app_id, recipe_user_id, recipe_id, account_info_type, account_info_value,
			 third_party_id, third_party_user_id, primary_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, q, appID, m.RecipeUserID, m.RecipeID, m.Type, m.Value,
		m.ThirdPartyID, m.ThirdPartyUserID, nullableString(m.PrimaryUserID))
	return asUniqueViolation(err)
}

// SetPrimaryUserID updates the user's primary pointer (nil clears it) and
// returns the number of rows updated (0 when the user is gone).
func (s *PostgresStore) SetPrimaryUserID(ctx context.Context, appID, userID string, primaryUserID *string) (int64, error) {
	const q = `UPDATE login_methods SET primary_user_id = $3
		WHERE app_id = $1 AND recipe_user_id = $2`

	res, err := s.db.ExecContext(ctx, q, appID, userID, nullableString(primaryUserID))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListLoginMethodAttributes returns all login-method attribute rows for userID.
func (s *PostgresStore) ListLoginMethodAttributes(ctx context.Context, appID, userID string) ([]domain.LoginMethod, error) {
	const q = `SELECT recipe_user_id, recipe_id, account_info_type, account_info_value,
			third_party_id, third_party_user_id, primary_user_id
		FROM login_methods WHERE app_id = $1 AND recipe_user_id = $2
		ORDER BY recipe_id, account_info_type`

	rows, err := s.db.QueryContext(ctx, q, appID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LoginMethod
	for rows.Next() {
		m, err := scanLoginMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpsertLoginMethodValue rewrites the user's attribute of the given type to
// value, cloning recipe/third-party columns from the existing row.
func (s *PostgresStore) UpsertLoginMethodValue(ctx context.Context, appID, userID string, typ domain.AccountInfoType, value string) error {
	const q = `INSERT INTO login_methods
			(app_id, recipe_user_id, recipe_id, account_info_type, account_info_value,
			 third_party_id, third_party_user_id, primary_user_id)
		SELECT app_id, recipe_user_id, recipe_id, $3, $4, third_party_id, third_party_user_id, primary_user_id
		FROM login_methods WHERE app_id = $1 AND recipe_user_id = $2 LIMIT 1
		ON CONFLICT (app_id, recipe_id, recipe_user_id, account_info_type, third_party_id, third_party_user_id)
		DO UPDATE SET account_info_value = EXCLUDED.account_info_value`

	_, err := s.db.ExecContext(ctx, q, appID, userID, typ, value)
	return asUniqueViolation(err)
}

// DeleteLoginMethodAttribute removes the user's attribute rows of the given type.
func (s *PostgresStore) DeleteLoginMethodAttribute(ctx context.Context, appID, userID string, typ domain.AccountInfoType) (int64, error) {
	const q = `DELETE FROM login_methods
		WHERE app_id = $1 AND recipe_user_id = $2 AND account_info_type = $3`

	res, err := s.db.ExecContext(ctx, q, appID, userID, typ)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertMembership persists a tenant-membership row; unique violations surface
// as *UniqueViolationError.
func (s *PostgresStore) InsertMembership(ctx context.Context, appID string, m *domain.TenantMembership) error {
	const q = `INSERT INTO tenant_memberships
			(app_id, recipe_user_id, tenant_id, recipe_id, account_info_type, account_info_value,
			 third_party_id, third_party_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, q, appID, m.RecipeUserID, m.TenantID, m.RecipeID,
		m.Type, m.Value, m.ThirdPartyID, m.ThirdPartyUserID)
	return asUniqueViolation(err)
}

// InsertMembershipIgnore is InsertMembership with existing keys skipped.
func (s *PostgresStore) InsertMembershipIgnore(ctx context.Context, appID string, m *domain.TenantMembership) error {
	const q = `INSERT INTO tenant_memberships
			(app_id, recipe_user_id, tenant_id, recipe_id, account_info_type, account_info_value,
			 third_party_id, third_party_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	_, err := s.db.ExecContext(ctx, q, appID, m.RecipeUserID, m.TenantID, m.RecipeID,
		m.Type, m.Value, m.ThirdPartyID, m.ThirdPartyUserID)
	return err
}

// FindMembershipOwners returns the owners of membership rows in tenantID whose
// key matches any of the given attribute rows, THIRD_PARTY first.
func (s *PostgresStore) FindMembershipOwners(ctx context.Context, appID, tenantID string, attrs []domain.LoginMethod) ([]MembershipOwner, error) {
	if len(attrs) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := []any{appID, tenantID}
	b.WriteString(`SELECT recipe_user_id, account_info_type FROM tenant_memberships
		WHERE app_id = $1 AND tenant_id = $2
		AND (recipe_id, account_info_type, third_party_id, third_party_user_id, account_info_value) IN (`)
	for i, a := range attrs {
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, a.RecipeID, a.Type, a.ThirdPartyID, a.ThirdPartyUserID, a.Value)
	}
	b.WriteString(") ORDER BY " + typePriority + ", account_info_type, account_info_value")

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MembershipOwner
	for rows.Next() {
		var o MembershipOwner
		if err := rows.Scan(&o.RecipeUserID, &o.Type); err != nil {
			return nil, err
		}
		o.RecipeUserID = strings.TrimSpace(o.RecipeUserID)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RewriteMembershipValue replaces the user's membership attribute of the given
// type with value across every tenant the user belongs to, creating the
// projection when the user holds no row of that type yet. New rows clone the
// user's existing tenant rows with the type and value swapped in, then the
// stale rows of that type are dropped. The membership key excludes the owner,
// so writing onto a value held by a different recipe user in the same tenant
// surfaces as *UniqueViolationError.
func (s *PostgresStore) RewriteMembershipValue(ctx context.Context, appID, userID string, typ domain.AccountInfoType, value string) error {
	const insertQ = `INSERT INTO tenant_memberships
			(app_id, recipe_user_id, tenant_id, recipe_id, account_info_type,
			 third_party_id, third_party_user_id, account_info_value)
		SELECT DISTINCT m.app_id, m.recipe_user_id, m.tenant_id, m.recipe_id, $3,
			m.third_party_id, m.third_party_user_id, $4
		FROM tenant_memberships m
		WHERE m.app_id = $1 AND m.recipe_user_id = $2`

	if _, err := s.db.ExecContext(ctx, insertQ, appID, userID, typ, value); err != nil {
		return asUniqueViolation(err)
	}

	const deleteQ = `DELETE FROM tenant_memberships
		WHERE app_id = $1 AND recipe_user_id = $2 AND account_info_type = $3
			AND account_info_value <> $4`

	_, err := s.db.ExecContext(ctx, deleteQ, appID, userID, typ, value)
	return err
}

// DeleteMembershipAttribute removes the user's membership rows of the given type.
func (s *PostgresStore) DeleteMembershipAttribute(ctx context.Context, appID, userID string, typ domain.AccountInfoType) (int64, error) {
	const q = `DELETE FROM tenant_memberships
		WHERE app_id = $1 AND recipe_user_id = $2 AND account_info_type = $3`

	res, err := s.db.ExecContext(ctx, q, appID, userID, typ)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteMembershipsForTenant removes all of the user's membership rows in tenantID.
func (s *PostgresStore) DeleteMembershipsForTenant(ctx context.Context, appID, tenantID, userID string) (int64, error) {
	const q = `DELETE FROM tenant_memberships
		WHERE app_id = $1 AND tenant_id = $2 AND recipe_user_id = $3`

	res, err := s.db.ExecContext(ctx, q, appID, tenantID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListUnlinkedAttributeKeys returns the (tenant, type, value) combinations of
// a not-yet-linked user, the candidate key set for promotion.
func (s *PostgresStore) ListUnlinkedAttributeKeys(ctx context.Context, appID, userID string) ([]domain.AttributeKey, error) {
	const q = `SELECT r.tenant_id, r.account_info_type, r.account_info_value
		FROM tenant_memberships r
		INNER JOIN login_methods ai
			ON ai.app_id = r.app_id AND ai.recipe_user_id = r.recipe_user_id
			AND ai.recipe_id = r.recipe_id AND ai.account_info_type = r.account_info_type
			AND ai.account_info_value = r.account_info_value
		WHERE r.app_id = $1 AND r.recipe_user_id = $2 AND ai.primary_user_id IS NULL
		ORDER BY r.tenant_id, r.account_info_type, r.account_info_value`

	return s.queryAttributeKeys(ctx, q, appID, userID)
}

// ListLinkAttributeKeys returns the cross product of the two identities'
// tenant union and attribute union, the candidate key set for linking.
func (s *PostgresStore) ListLinkAttributeKeys(ctx context.Context, appID, primaryUserID, recipeUserID string) ([]domain.AttributeKey, error) {
	const q = `SELECT all_tenants.tenant_id, all_accounts.account_info_type, all_accounts.account_info_value
		FROM (
			SELECT tenant_id FROM primary_reservations WHERE app_id = $1 AND primary_user_id = $2
			UNION
			SELECT tenant_id FROM tenant_memberships WHERE app_id = $1 AND recipe_user_id = $3
		) all_tenants CROSS JOIN (
			SELECT account_info_type, account_info_value FROM primary_reservations
			WHERE app_id = $1 AND primary_user_id = $2
			UNION
			SELECT account_info_type, account_info_value FROM login_methods
			WHERE app_id = $1 AND recipe_user_id = $3 AND primary_user_id IS NULL
		) all_accounts
		ORDER BY all_tenants.tenant_id, all_accounts.account_info_type, all_accounts.account_info_value`

	return s.queryAttributeKeys(ctx, q, appID, primaryUserID, recipeUserID)
}

// ListGroupAttributeKeys returns the group's identifying attributes projected
// into tenantID, the key set for extending reservations when a primary group
// gains a tenant.
func (s *PostgresStore) ListGroupAttributeKeys(ctx context.Context, appID, primaryUserID, tenantID string) ([]domain.AttributeKey, error) {
	const q = `SELECT DISTINCT $3::text, account_info_type, account_info_value
		FROM login_methods WHERE app_id = $1 AND primary_user_id = $2
		ORDER BY account_info_type, account_info_value`

	return s.queryAttributeKeys(ctx, q, appID, primaryUserID, tenantID)
}

func (s *PostgresStore) queryAttributeKeys(ctx context.Context, q string, args ...any) ([]domain.AttributeKey, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AttributeKey
	for rows.Next() {
		var k domain.AttributeKey
		if err := rows.Scan(&k.TenantID, &k.Type, &k.Value); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// FindReservations batch-reads the reservation rows for the given key set,
// THIRD_PARTY first. Used as the conflict-check phase of the three-phase
// compute/check/insert-ignore pattern.
func (s *PostgresStore) FindReservations(ctx context.Context, appID string, keys []domain.AttributeKey) ([]domain.Reservation, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := []any{appID}
	b.WriteString(`SELECT tenant_id, account_info_type, account_info_value, primary_user_id
		FROM primary_reservations WHERE app_id = $1
		AND (tenant_id, account_info_type, account_info_value) IN (`)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d, $%d, $%d)", n+1, n+2, n+3)
		args = append(args, k.TenantID, k.Type, k.Value)
	}
	b.WriteString(") ORDER BY " + typePriority + ", tenant_id, account_info_type, account_info_value")

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		if err := rows.Scan(&r.TenantID, &r.Type, &r.Value, &r.PrimaryUserID); err != nil {
			return nil, err
		}
		r.PrimaryUserID = strings.TrimSpace(r.PrimaryUserID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertReservationsIgnore writes reservation rows for every key, skipping
// keys that already exist (idempotent reservation attempts).
func (s *PostgresStore) InsertReservationsIgnore(ctx context.Context, appID string, keys []domain.AttributeKey, primaryUserID string) error {
	const q = `INSERT INTO primary_reservations
			(app_id, tenant_id, account_info_type, account_info_value, primary_user_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`

	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, q, appID, k.TenantID, k.Type, k.Value, primaryUserID); err != nil {
			return err
		}
	}
	return nil
}

// FindLinkConflict returns the highest-priority reservation whose attribute is
// shared between the two identities, whose tenant is shared between them, and
// whose owner differs from primaryUserID; nil when no such row exists. Set
// membership is tested with EXISTS rather than materializing the cross product.
func (s *PostgresStore) FindLinkConflict(ctx context.Context, appID, primaryUserID, recipeUserID string) (*domain.Reservation, error) {
	const q = `SELECT p.tenant_id, p.account_info_type, p.account_info_value, p.primary_user_id
		FROM primary_reservations p
		WHERE p.app_id = $1
		AND EXISTS (
			SELECT 1 FROM primary_reservations
			WHERE app_id = $1 AND primary_user_id = $2
			AND account_info_type = p.account_info_type AND account_info_value = p.account_info_value
			UNION
			SELECT 1 FROM login_methods
			WHERE app_id = $1 AND recipe_user_id = $3
			AND account_info_type = p.account_info_type AND account_info_value = p.account_info_value
		)
		AND EXISTS (
			SELECT 1 FROM primary_reservations
			WHERE app_id = $1 AND primary_user_id = $2 AND tenant_id = p.tenant_id
			UNION
			SELECT 1 FROM tenant_memberships
			WHERE app_id = $1 AND recipe_user_id = $3 AND tenant_id = p.tenant_id
		)
		AND p.primary_user_id <> $2
		ORDER BY ` + typePriority + `, p.tenant_id, p.account_info_type, p.account_info_value
		LIMIT 1`

	var r domain.Reservation
	err := s.db.QueryRowContext(ctx, q, appID, primaryUserID, recipeUserID).
		Scan(&r.TenantID, &r.Type, &r.Value, &r.PrimaryUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.PrimaryUserID = strings.TrimSpace(r.PrimaryUserID)
	return &r, nil
}

// InsertReservationsForValue reserves (tenant, typ, value) for primaryUserID
// across every tenant userID belongs to, skipping tenants where the same
// primary already holds the slot. A slot held by a different primary surfaces
// as *UniqueViolationError.
func (s *PostgresStore) InsertReservationsForValue(ctx context.Context, appID, primaryUserID, userID string, typ domain.AccountInfoType, value string) (int64, error) {
	const q = `INSERT INTO primary_reservations
			(app_id, tenant_id, account_info_type, account_info_value, primary_user_id)
		SELECT DISTINCT r.app_id, r.tenant_id, r.account_info_type, r.account_info_value, $5
		FROM tenant_memberships r
		WHERE r.app_id = $1 AND r.recipe_user_id = $2
		AND r.account_info_type = $3 AND r.account_info_value = $4
		AND NOT EXISTS (
			SELECT 1 FROM primary_reservations p
			WHERE p.app_id = r.app_id AND p.tenant_id = r.tenant_id
			AND p.account_info_type = r.account_info_type
			AND p.account_info_value = r.account_info_value
			AND p.primary_user_id = $5
		)`

	res, err := s.db.ExecContext(ctx, q, appID, userID, typ, value, primaryUserID)
	if err != nil {
		return 0, asUniqueViolation(err)
	}
	return res.RowsAffected()
}
