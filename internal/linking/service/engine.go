package service

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"auth-platform/storage/internal/db"
	"auth-platform/storage/internal/linking/domain"
	"auth-platform/storage/internal/linking/locker"
	"auth-platform/storage/internal/linking/repository"
)

// Engine is the one-shot surface over Ops: each call runs in its own
// transaction, takes its own locks, and either fully commits or fully rolls
// back. Recipe modules that need several operations in one commit use Ops
// directly inside their own transaction instead.
type Engine struct {
	db          *sql.DB
	log         *zap.Logger
	lockTimeout time.Duration
	tracer      trace.Tracer
}

func NewEngine(sqlDB *sql.DB, lockTimeout time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		db:          sqlDB,
		log:         log,
		lockTimeout: lockTimeout,
		tracer:      otel.Tracer("linking.engine"),
	}
}

func (e *Engine) run(ctx context.Context, op, appID string, fn func(ctx context.Context, ops *Ops, lk *locker.Locker) error) error {
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("app_id", appID)))
	defer span.End()

	err := db.RunInTx(ctx, e.db, e.lockTimeout, func(tx *sql.Tx) error {
		store := repository.NewPostgresStore(tx)
		return fn(ctx, NewOps(store, e.log), locker.New(store))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// PromoteToPrimary locks userID and promotes it to primary. Returns false
// when the user was already primary.
func (e *Engine) PromoteToPrimary(ctx context.Context, appID, userID string) (bool, error) {
	var promoted bool
	err := e.run(ctx, "linking.promote_to_primary", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		user, err := lk.LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		promoted, err = ops.PromoteToPrimary(ctx, appID, user)
		return err
	})
	return promoted, err
}

// CanBecomePrimary runs the promote dry run in a read-only snapshot.
func (e *Engine) CanBecomePrimary(ctx context.Context, appID, userID string) (domain.CanBecomePrimaryResult, error) {
	var result domain.CanBecomePrimaryResult
	err := e.run(ctx, "linking.can_become_primary", appID, func(ctx context.Context, ops *Ops, _ *locker.Locker) error {
		var err error
		result, err = ops.CanBecomePrimary(ctx, appID, userID)
		return err
	})
	return result, err
}

// CanLink runs the link dry run in a read-only snapshot.
func (e *Engine) CanLink(ctx context.Context, appID, primaryCandidateID, recipeUserID string) (domain.CanLinkResult, error) {
	var result domain.CanLinkResult
	err := e.run(ctx, "linking.can_link", appID, func(ctx context.Context, ops *Ops, _ *locker.Locker) error {
		var err error
		result, err = ops.CanLink(ctx, appID, primaryCandidateID, recipeUserID)
		return err
	})
	return result, err
}

// LinkAccounts locks both users and links recipeUserID under the primary
// resolved from primaryCandidateID. Returns false when already linked to that
// same primary.
func (e *Engine) LinkAccounts(ctx context.Context, appID, primaryCandidateID, recipeUserID string) (bool, error) {
	var linked bool
	err := e.run(ctx, "linking.link_accounts", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		primary, recipe, err := lk.LockUsersForLinking(ctx, appID, primaryCandidateID, recipeUserID)
		if err != nil {
			return err
		}
		linked, err = ops.ReserveForLinking(ctx, appID, recipe, primary)
		return err
	})
	return linked, err
}

// UpdateAccountInfo locks userID and rewrites its email or phone number; a
// nil newValue removes the attribute.
func (e *Engine) UpdateAccountInfo(ctx context.Context, appID, userID string, typ domain.AccountInfoType, newValue *string) error {
	return e.run(ctx, "linking.update_account_info", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		user, err := lk.LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		return ops.UpdateAccountInfo(ctx, appID, user, typ, newValue)
	})
}

// AddLoginMethod persists a fresh login method with its tenant projections.
func (e *Engine) AddLoginMethod(ctx context.Context, appID string, m *domain.LoginMethod, tenantIDs []string) error {
	return e.run(ctx, "linking.add_login_method", appID, func(ctx context.Context, ops *Ops, _ *locker.Locker) error {
		return ops.AddLoginMethod(ctx, appID, m, tenantIDs)
	})
}

// AddTenantToRecipeUser locks userID and clones its attributes into tenantID.
func (e *Engine) AddTenantToRecipeUser(ctx context.Context, appID, tenantID, userID string) error {
	return e.run(ctx, "linking.add_tenant_to_recipe_user", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		user, err := lk.LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		return ops.AddTenantToRecipeUser(ctx, appID, tenantID, user)
	})
}

// AddTenantToPrimaryUser locks userID and projects its group's reservations
// into tenantID.
func (e *Engine) AddTenantToPrimaryUser(ctx context.Context, appID, tenantID, userID string) error {
	return e.run(ctx, "linking.add_tenant_to_primary_user", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		user, err := lk.LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		return ops.AddTenantToPrimaryUser(ctx, appID, tenantID, user)
	})
}

// RemoveTenantFromRecipeUser locks userID and revokes its tenant membership.
func (e *Engine) RemoveTenantFromRecipeUser(ctx context.Context, appID, tenantID, userID string) error {
	return e.run(ctx, "linking.remove_tenant_from_recipe_user", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		user, err := lk.LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		return ops.RemoveTenantFromRecipeUser(ctx, appID, tenantID, user)
	})
}

// Unlink locks userID and detaches it from its group. Returns false when the
// user was not in a group.
func (e *Engine) Unlink(ctx context.Context, appID, userID string) (bool, error) {
	var unlinked bool
	err := e.run(ctx, "linking.unlink", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		user, err := lk.LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		unlinked, err = ops.Unlink(ctx, appID, user)
		return err
	})
	return unlinked, err
}

// DeleteUser locks userID and removes it entirely.
func (e *Engine) DeleteUser(ctx context.Context, appID, userID string) error {
	return e.run(ctx, "linking.delete_user", appID, func(ctx context.Context, ops *Ops, lk *locker.Locker) error {
		user, err := lk.LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		return ops.DeleteUser(ctx, appID, user)
	})
}
