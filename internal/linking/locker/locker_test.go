package locker

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"auth-platform/storage/internal/linking/domain"
	"auth-platform/storage/internal/linking/repository"
)

type fakeLockStore struct {
	refs      map[string]repository.LockRef
	lockOrder []string
	// onLock lets a test mutate refs mid-protocol, simulating a concurrent
	// writer that committed between the initial read and the lock.
	onLock func(id string)
}

func (f *fakeLockStore) GetLockRef(_ context.Context, _ string, userID string) (*repository.LockRef, error) {
	ref, ok := f.refs[userID]
	if !ok {
		return nil, nil
	}
	cp := ref
	if ref.PrimaryUserID != nil {
		v := *ref.PrimaryUserID
		cp.PrimaryUserID = &v
	}
	return &cp, nil
}

func (f *fakeLockStore) AcquireRowLock(_ context.Context, _ string, userID string) (bool, error) {
	f.lockOrder = append(f.lockOrder, userID)
	if f.onLock != nil {
		f.onLock(userID)
	}
	_, ok := f.refs[userID]
	return ok, nil
}

func strptr(s string) *string { return &s }

func TestLockUser_Standalone(t *testing.T) {
	store := &fakeLockStore{refs: map[string]repository.LockRef{
		"u1": {RecipeID: "emailpassword"},
	}}

	h, err := New(store).LockUser(context.Background(), "app", "u1")
	if err != nil {
		t.Fatalf("LockUser: %v", err)
	}
	if h.RecipeUserID() != "u1" || h.RecipeID() != "emailpassword" {
		t.Errorf("handle = %q/%q", h.RecipeUserID(), h.RecipeID())
	}
	if h.PrimaryUserID() != nil || h.IsPrimary() || h.IsLinked() {
		t.Error("standalone user should have no primary pointer")
	}
}

func TestLockUser_UnknownUser(t *testing.T) {
	store := &fakeLockStore{refs: map[string]repository.LockRef{}}

	_, err := New(store).LockUser(context.Background(), "app", "ghost")
	if !errors.Is(err, domain.ErrUnknownUser) {
		t.Fatalf("err = %v, want ErrUnknownUser", err)
	}
}

func TestLockUser_LinkedUserLocksPrimaryToo(t *testing.T) {
	store := &fakeLockStore{refs: map[string]repository.LockRef{
		"u9": {RecipeID: "thirdparty", PrimaryUserID: strptr("u1")},
		"u1": {RecipeID: "emailpassword", PrimaryUserID: strptr("u1")},
	}}

	h, err := New(store).LockUser(context.Background(), "app", "u9")
	if err != nil {
		t.Fatalf("LockUser: %v", err)
	}
	if !h.IsLinked() || h.PrimaryUserID() == nil || *h.PrimaryUserID() != "u1" {
		t.Errorf("handle primary = %v, want u1", h.PrimaryUserID())
	}
	want := []string{"u1", "u9"}
	if !reflect.DeepEqual(store.lockOrder, want) {
		t.Errorf("lock order = %v, want %v", store.lockOrder, want)
	}
}

func TestLockUsers_AscendingOrderRegardlessOfRequestOrder(t *testing.T) {
	store := &fakeLockStore{refs: map[string]repository.LockRef{
		"a": {RecipeID: "emailpassword"},
		"b": {RecipeID: "passwordless"},
		"c": {RecipeID: "thirdparty"},
	}}

	_, err := New(store).LockUsers(context.Background(), "app", []string{"c", "a", "b"})
	if err != nil {
		t.Fatalf("LockUsers: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(store.lockOrder, want) {
		t.Errorf("lock order = %v, want %v", store.lockOrder, want)
	}
}

func TestLockUsers_ExtendsAfterConcurrentLink(t *testing.T) {
	// u2 is standalone at the initial read; a concurrent transaction links it
	// to p1 just before our lock lands. The protocol must notice the new
	// pointer under lock and extend to p1 instead of returning stale state.
	store := &fakeLockStore{refs: map[string]repository.LockRef{
		"u2": {RecipeID: "emailpassword"},
		"p1": {RecipeID: "thirdparty", PrimaryUserID: strptr("p1")},
	}}
	linked := false
	store.onLock = func(id string) {
		if id == "u2" && !linked {
			linked = true
			store.refs["u2"] = repository.LockRef{RecipeID: "emailpassword", PrimaryUserID: strptr("p1")}
		}
	}

	handles, err := New(store).LockUsers(context.Background(), "app", []string{"u2"})
	if err != nil {
		t.Fatalf("LockUsers: %v", err)
	}
	h := handles["u2"]
	if h.PrimaryUserID() == nil || *h.PrimaryUserID() != "p1" {
		t.Errorf("handle primary = %v, want p1", h.PrimaryUserID())
	}

	sawP1 := false
	for _, id := range store.lockOrder {
		if id == "p1" {
			sawP1 = true
		}
	}
	if !sawP1 {
		t.Errorf("lock order %v never locked the concurrently attached primary", store.lockOrder)
	}
}

func TestLockUsers_MissingPrimaryTolerated(t *testing.T) {
	// The pointer names p9 but p9's row is gone (deleted concurrently). The
	// requested user still locks; the dangling target is skipped.
	store := &fakeLockStore{refs: map[string]repository.LockRef{
		"u3": {RecipeID: "emailpassword", PrimaryUserID: strptr("p9")},
	}}

	handles, err := New(store).LockUsers(context.Background(), "app", []string{"u3"})
	if err != nil {
		t.Fatalf("LockUsers: %v", err)
	}
	if handles["u3"] == nil {
		t.Fatal("missing handle for u3")
	}
}

func TestLockedUser_PrimaryPointerIsACopy(t *testing.T) {
	store := &fakeLockStore{refs: map[string]repository.LockRef{
		"u1": {RecipeID: "emailpassword", PrimaryUserID: strptr("u1")},
	}}

	h, err := New(store).LockUser(context.Background(), "app", "u1")
	if err != nil {
		t.Fatalf("LockUser: %v", err)
	}
	p := h.PrimaryUserID()
	*p = "mutated"
	if got := h.PrimaryUserID(); got == nil || *got != "u1" {
		t.Errorf("handle primary changed through returned pointer: %v", got)
	}
	if !h.IsPrimary() {
		t.Error("IsPrimary() = false for self-pointing user")
	}
}
