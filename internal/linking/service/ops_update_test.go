package service

import (
	"context"
	"errors"
	"testing"

	"auth-platform/storage/internal/linking/domain"
)

func strPtr(s string) *string { return &s }

// linkPair promotes primaryID and links recipeID under it.
func linkPair(t *testing.T, ops *Ops, store *fakeStore, primaryID, recipeID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := ops.PromoteToPrimary(ctx, testAppID, lockOne(t, store, primaryID)); err != nil {
		t.Fatalf("promote %s: %v", primaryID, err)
	}
	primary, recipe := lockOne(t, store, primaryID), lockOne(t, store, recipeID)
	if _, err := ops.ReserveForLinking(ctx, testAppID, recipe, primary); err != nil {
		t.Fatalf("link %s under %s: %v", recipeID, primaryID, err)
	}
}

func TestUpdateAccountInfo_Standalone(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-a", "old@x.com"), "t1", "t2")
	ops := newOps(store)

	if err := ops.UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, strPtr("new@x.com")); err != nil {
		t.Fatalf("UpdateAccountInfo: %v", err)
	}

	m, _ := store.GetLoginMethod(ctx, testAppID, "user-a")
	if m.Value != "new@x.com" {
		t.Errorf("login method value = %q", m.Value)
	}
	for i := range store.memberships {
		if store.memberships[i].Value != "new@x.com" {
			t.Errorf("membership in %s still holds %q", store.memberships[i].TenantID, store.memberships[i].Value)
		}
	}
	if len(store.reservations) != 0 {
		t.Errorf("standalone update touched reservations: %v", store.reservations)
	}
}

func TestUpdateAccountInfo_StandaloneDuplicate(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-a", "a@x.com"), "t1")
	store.seed(emailMethod("user-z", "taken@x.com"), "t1")

	err := newOps(store).UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, strPtr("taken@x.com"))
	var dup *domain.DuplicateError
	if !errors.As(err, &dup) || dup.Type != domain.TypeEmail {
		t.Fatalf("err = %v, want DuplicateError{EMAIL}", err)
	}
}

func TestUpdateAccountInfo_Grouped(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-a", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "a1@x.com",
	}, "t1")
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-a")

	if err := ops.UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, strPtr("a3@x.com")); err != nil {
		t.Fatalf("UpdateAccountInfo: %v", err)
	}

	if _, ok := store.reservationOwner("t1", domain.TypeEmail, "a1@x.com"); ok {
		t.Error("old value reservation survived")
	}
	if owner, ok := store.reservationOwner("t1", domain.TypeEmail, "a3@x.com"); !ok || owner != "user-p" {
		t.Errorf("new value reservation = %q %v, want user-p", owner, ok)
	}
	if owner, ok := store.reservationOwner("t1", domain.TypeEmail, "p@x.com"); !ok || owner != "user-p" {
		t.Errorf("sibling reservation = %q %v, want kept", owner, ok)
	}
	m, _ := store.GetLoginMethod(ctx, testAppID, "user-a")
	if m.Value != "a3@x.com" {
		t.Errorf("login method value = %q", m.Value)
	}
	checkInvariants(t, store)
}

func TestUpdateAccountInfo_GroupedStealRejected(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-a", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "a@x.com",
	}, "t1")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-z", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "taken@x.com",
	}, "t1")
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-a")

	err := ops.UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, strPtr("taken@x.com"))
	var notAllowed *domain.ChangeNotAllowedError
	if !errors.As(err, &notAllowed) || notAllowed.Type != domain.TypeEmail {
		t.Fatalf("err = %v, want ChangeNotAllowedError{EMAIL}", err)
	}
}

func TestUpdateAccountInfo_GroupedReservedElsewhereRejected(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-a", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "a@x.com",
	}, "t1")
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-a")
	// The new value's slot is reserved by a different group even though no
	// membership row collides (its holder lives under another recipe id).
	store.reservations = append(store.reservations, domain.Reservation{
		TenantID: "t1", Type: domain.TypeEmail, Value: "held@x.com", PrimaryUserID: "other-group",
	})

	err := ops.UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, strPtr("held@x.com"))
	var notAllowed *domain.ChangeNotAllowedError
	if !errors.As(err, &notAllowed) || notAllowed.Type != domain.TypeEmail {
		t.Fatalf("err = %v, want ChangeNotAllowedError{EMAIL}", err)
	}
}

func TestUpdateAccountInfo_NewAttributeType(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(phoneMethod("user-a", "555"), "t1")
	ops := newOps(store)

	if _, err := ops.PromoteToPrimary(ctx, testAppID, lockOne(t, store, "user-a")); err != nil {
		t.Fatalf("PromoteToPrimary: %v", err)
	}

	// A first email on a phone-only user has no row of the type to rewrite;
	// the projection must be created so the reservation ledger follows.
	if err := ops.UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, strPtr("new@x.com")); err != nil {
		t.Fatalf("UpdateAccountInfo: %v", err)
	}

	found := false
	for i := range store.memberships {
		m := &store.memberships[i]
		if m.RecipeUserID == "user-a" && m.TenantID == "t1" &&
			m.Type == domain.TypeEmail && m.Value == "new@x.com" {
			found = true
		}
	}
	if !found {
		t.Error("no tenant membership row carries the new email")
	}
	if owner, ok := store.reservationOwner("t1", domain.TypeEmail, "new@x.com"); !ok || owner != "user-a" {
		t.Errorf("email reservation: owner %q found %v", owner, ok)
	}
	if owner, ok := store.reservationOwner("t1", domain.TypePhoneNumber, "555"); !ok || owner != "user-a" {
		t.Errorf("phone reservation: owner %q found %v, want untouched", owner, ok)
	}
	checkInvariants(t, store)
}

func TestUpdateAccountInfo_NewAttributeTypeStealRejected(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	store.seed(phoneMethod("user-a", "555"), "t1")
	store.seed(phoneMethod("user-z", "556"), "t1")
	store.memberships = append(store.memberships, domain.TenantMembership{
		RecipeUserID: "user-z", TenantID: "t1", RecipeID: "passwordless",
		Type: domain.TypeEmail, Value: "taken@x.com",
	})
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-a")

	err := ops.UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, strPtr("taken@x.com"))
	var notAllowed *domain.ChangeNotAllowedError
	if !errors.As(err, &notAllowed) || notAllowed.Type != domain.TypeEmail {
		t.Fatalf("err = %v, want ChangeNotAllowedError{EMAIL}", err)
	}
}

func TestUpdateAccountInfo_RemoveAttribute(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-a", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "a@x.com",
	}, "t1")
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-a")

	if err := ops.UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeEmail, nil); err != nil {
		t.Fatalf("UpdateAccountInfo(nil): %v", err)
	}

	if _, ok := store.reservationOwner("t1", domain.TypeEmail, "a@x.com"); ok {
		t.Error("removed attribute's reservation survived")
	}
	if owner, ok := store.reservationOwner("t1", domain.TypeEmail, "p@x.com"); !ok || owner != "user-p" {
		t.Errorf("sibling reservation = %q %v, want kept", owner, ok)
	}
	for i := range store.memberships {
		if store.memberships[i].RecipeUserID == "user-a" {
			t.Errorf("membership row survived: %+v", store.memberships[i])
		}
	}
}

func TestUpdateAccountInfo_ThirdPartyRejected(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(thirdPartyMethod("user-a", "github", "1"), "t1")

	err := newOps(store).UpdateAccountInfo(ctx, testAppID, lockOne(t, store, "user-a"), domain.TypeThirdParty, strPtr("github|2"))
	if !errors.Is(err, domain.ErrThirdPartyInfoImmutable) {
		t.Fatalf("err = %v, want ErrThirdPartyInfoImmutable", err)
	}
}

func TestAddLoginMethod(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	ops := newOps(store)

	m := emailMethod("user-a", "a@x.com")
	if err := ops.AddLoginMethod(ctx, testAppID, &m, []string{"t1", "t2"}); err != nil {
		t.Fatalf("AddLoginMethod: %v", err)
	}
	got, _ := store.GetLoginMethod(ctx, testAppID, "user-a")
	if got == nil || got.Value != "a@x.com" {
		t.Fatalf("login method = %+v", got)
	}
	if len(store.memberships) != 2 {
		t.Errorf("memberships = %d, want 2", len(store.memberships))
	}

	dup := emailMethod("user-b", "a@x.com")
	err := ops.AddLoginMethod(ctx, testAppID, &dup, []string{"t1"})
	var dupErr *domain.DuplicateError
	if !errors.As(err, &dupErr) || dupErr.Type != domain.TypeEmail {
		t.Fatalf("err = %v, want DuplicateError{EMAIL}", err)
	}
}

func TestAddTenantToRecipeUser(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-a", "a@x.com"), "t1")
	ops := newOps(store)

	if err := ops.AddTenantToRecipeUser(ctx, testAppID, "t2", lockOne(t, store, "user-a")); err != nil {
		t.Fatalf("AddTenantToRecipeUser: %v", err)
	}
	found := false
	for i := range store.memberships {
		if store.memberships[i].TenantID == "t2" && store.memberships[i].RecipeUserID == "user-a" {
			found = true
		}
	}
	if !found {
		t.Error("no membership row cloned into t2")
	}

	// Re-adding the same tenant is idempotent.
	if err := ops.AddTenantToRecipeUser(ctx, testAppID, "t2", lockOne(t, store, "user-a")); err != nil {
		t.Fatalf("re-add: %v", err)
	}
}

func TestAddTenantToRecipeUser_DuplicateNeverChangeNotAllowed(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-a", "a@x.com"), "t1")
	store.seed(emailMethod("user-z", "a@x.com"), "t2")
	ops := newOps(store)
	// Even inside a primary group, a tenant gain reports Duplicate.
	if _, err := ops.PromoteToPrimary(ctx, testAppID, lockOne(t, store, "user-a")); err != nil {
		t.Fatalf("promote: %v", err)
	}

	err := ops.AddTenantToRecipeUser(ctx, testAppID, "t2", lockOne(t, store, "user-a"))
	var dup *domain.DuplicateError
	if !errors.As(err, &dup) || dup.Type != domain.TypeEmail {
		t.Fatalf("err = %v, want DuplicateError{EMAIL}", err)
	}
	var notAllowed *domain.ChangeNotAllowedError
	if errors.As(err, &notAllowed) {
		t.Error("tenant gain misreported as ChangeNotAllowed")
	}
}

func TestAddTenantToPrimaryUser(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	ops := newOps(store)
	if _, err := ops.PromoteToPrimary(ctx, testAppID, lockOne(t, store, "user-p")); err != nil {
		t.Fatalf("promote: %v", err)
	}

	if err := ops.AddTenantToRecipeUser(ctx, testAppID, "t2", lockOne(t, store, "user-p")); err != nil {
		t.Fatalf("AddTenantToRecipeUser: %v", err)
	}
	if err := ops.AddTenantToPrimaryUser(ctx, testAppID, "t2", lockOne(t, store, "user-p")); err != nil {
		t.Fatalf("AddTenantToPrimaryUser: %v", err)
	}
	if owner, ok := store.reservationOwner("t2", domain.TypeEmail, "p@x.com"); !ok || owner != "user-p" {
		t.Errorf("projected reservation = %q %v, want user-p", owner, ok)
	}
	checkInvariants(t, store)
}

func TestAddTenantToPrimaryUser_Failures(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-a", "a@x.com"), "t1")
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	ops := newOps(store)
	if _, err := ops.PromoteToPrimary(ctx, testAppID, lockOne(t, store, "user-p")); err != nil {
		t.Fatalf("promote: %v", err)
	}
	store.reservations = append(store.reservations, domain.Reservation{
		TenantID: "t2", Type: domain.TypeEmail, Value: "p@x.com", PrimaryUserID: "other-group",
	})

	err := ops.AddTenantToPrimaryUser(ctx, testAppID, "t2", lockOne(t, store, "user-a"))
	var notPrimary *domain.NotPrimaryUserError
	if !errors.As(err, &notPrimary) {
		t.Errorf("standalone user: err = %v, want NotPrimaryUserError", err)
	}

	err = ops.AddTenantToPrimaryUser(ctx, testAppID, "t2", lockOne(t, store, "user-p"))
	var assoc *domain.AlreadyAssociatedError
	if !errors.As(err, &assoc) || assoc.PrimaryUserID != "other-group" {
		t.Errorf("held slot: err = %v, want AlreadyAssociatedError{other-group}", err)
	}
}

func TestRemoveTenantFromRecipeUser(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1", "t2")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-r", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "r@x.com",
	}, "t1")
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-r")

	if err := ops.RemoveTenantFromRecipeUser(ctx, testAppID, "t2", lockOne(t, store, "user-p")); err != nil {
		t.Fatalf("RemoveTenantFromRecipeUser: %v", err)
	}

	// No group member supplies t2 anymore; its reservations are pruned.
	for i := range store.reservations {
		if store.reservations[i].TenantID == "t2" {
			t.Errorf("t2 reservation survived: %+v", store.reservations[i])
		}
	}
	if owner, ok := store.reservationOwner("t1", domain.TypeEmail, "p@x.com"); !ok || owner != "user-p" {
		t.Errorf("t1 reservation = %q %v, want kept", owner, ok)
	}
	for i := range store.memberships {
		if store.memberships[i].RecipeUserID == "user-p" && store.memberships[i].TenantID == "t2" {
			t.Error("t2 membership row survived")
		}
	}
	checkInvariants(t, store)
}

func TestRemoveTenantFromRecipeUser_SiblingStillSuppliesTenant(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1", "t2")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-r", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "p@x.com",
	}, "t2")
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-r")

	if err := ops.RemoveTenantFromRecipeUser(ctx, testAppID, "t2", lockOne(t, store, "user-p")); err != nil {
		t.Fatalf("RemoveTenantFromRecipeUser: %v", err)
	}
	// user-r still belongs to t2 with the same value.
	if owner, ok := store.reservationOwner("t2", domain.TypeEmail, "p@x.com"); !ok || owner != "user-p" {
		t.Errorf("t2 reservation = %q %v, want kept via sibling", owner, ok)
	}
	checkInvariants(t, store)
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.seed(emailMethod("user-p", "p@x.com"), "t1")
	store.seed(domain.LoginMethod{
		RecipeUserID: "user-r", RecipeID: "passwordless", Type: domain.TypeEmail, Value: "r@x.com",
	}, "t1")
	ops := newOps(store)
	linkPair(t, ops, store, "user-p", "user-r")

	if err := ops.DeleteUser(ctx, testAppID, lockOne(t, store, "user-r")); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	if m, _ := store.GetLoginMethod(ctx, testAppID, "user-r"); m != nil {
		t.Errorf("login method survived: %+v", m)
	}
	for i := range store.memberships {
		if store.memberships[i].RecipeUserID == "user-r" {
			t.Error("membership row survived")
		}
	}
	if _, ok := store.reservationOwner("t1", domain.TypeEmail, "r@x.com"); ok {
		t.Error("deleted user's reservation survived")
	}
	if owner, ok := store.reservationOwner("t1", domain.TypeEmail, "p@x.com"); !ok || owner != "user-p" {
		t.Errorf("sibling reservation = %q %v, want kept", owner, ok)
	}
	checkInvariants(t, store)
}
