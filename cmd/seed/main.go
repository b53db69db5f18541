// seed populates a development database with a small linking scenario: an
// email/password user promoted to primary, a third-party user linked under
// it, and a conflicting promotion that is expected to fail.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"auth-platform/storage/internal/config"
	"auth-platform/storage/internal/db"
	"auth-platform/storage/internal/db/migrate"
	"auth-platform/storage/internal/linking/domain"
	"auth-platform/storage/internal/linking/service"
	"auth-platform/storage/internal/recipe/emailpassword"
	"auth-platform/storage/internal/security"
	"auth-platform/storage/internal/telemetry/otel"
)

const (
	appID    = "seed-app"
	tenantID = "public"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.Env == "production" {
		zc = zap.NewProductionConfig()
	}
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	provider, err := otel.NewProvider(ctx, cfg.OTLPEndpoint, "storage-seed", false)
	if err != nil {
		return err
	}
	provider.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	engine := service.NewEngine(sqlDB, cfg.LockTimeout(), log)
	recipe := emailpassword.NewService(sqlDB, security.NewPasswordHasher(cfg.BcryptCost), cfg.LockTimeout(), log)

	aliceID, err := recipe.SignUp(ctx, appID, "alice@example.com", "correct horse", []string{tenantID})
	if err != nil {
		return fmt.Errorf("sign up alice: %w", err)
	}

	bobID := "11111111-1111-1111-1111-111111111111"
	err = engine.AddLoginMethod(ctx, appID, &domain.LoginMethod{
		RecipeUserID:     bobID,
		RecipeID:         "thirdparty",
		Type:             domain.TypeThirdParty,
		Value:            "github|8421",
		ThirdPartyID:     "github",
		ThirdPartyUserID: "8421",
	}, []string{tenantID})
	if err != nil {
		return fmt.Errorf("add third-party login method: %w", err)
	}

	promoted, err := engine.PromoteToPrimary(ctx, appID, aliceID)
	if err != nil {
		return fmt.Errorf("promote alice: %w", err)
	}
	log.Info("promoted alice", zap.String("user_id", aliceID), zap.Bool("state_changed", promoted))

	linked, err := engine.LinkAccounts(ctx, appID, aliceID, bobID)
	if err != nil {
		return fmt.Errorf("link bob under alice: %w", err)
	}
	log.Info("linked bob under alice", zap.String("user_id", bobID), zap.Bool("state_changed", linked))

	// A passwordless user carrying alice's email cannot form its own group:
	// the tenant slot is reserved by alice's.
	eveID := "22222222-2222-2222-2222-222222222222"
	err = engine.AddLoginMethod(ctx, appID, &domain.LoginMethod{
		RecipeUserID: eveID,
		RecipeID:     "passwordless",
		Type:         domain.TypeEmail,
		Value:        "alice@example.com",
	}, []string{tenantID})
	if err != nil {
		return fmt.Errorf("add passwordless login method: %w", err)
	}
	if _, err := engine.PromoteToPrimary(ctx, appID, eveID); err != nil {
		var assoc *domain.AlreadyAssociatedError
		if errors.As(err, &assoc) {
			log.Info("expected promotion conflict",
				zap.String("user_id", eveID),
				zap.String("owned_by", assoc.PrimaryUserID),
				zap.String("kind", string(assoc.Type)))
		} else {
			return fmt.Errorf("promote eve: %w", err)
		}
	} else {
		return errors.New("promotion of a conflicting user unexpectedly succeeded")
	}

	log.Info("seed complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}
