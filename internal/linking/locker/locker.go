// Package locker implements deadlock-free row locking over login methods.
// Locks are taken in ascending user-id order, and the lock set is re-derived
// after acquisition until it is stable, so that a user's primary pointer
// observed under lock is the pointer that was locked.
package locker

import (
	"context"
	"sort"

	"auth-platform/storage/internal/linking/domain"
	"auth-platform/storage/internal/linking/repository"
)

// Store is the slice of the repository the locking protocol needs.
type Store interface {
	GetLockRef(ctx context.Context, appID, userID string) (*repository.LockRef, error)
	AcquireRowLock(ctx context.Context, appID, userID string) (bool, error)
}

// LockedUser is proof that the holder's transaction owns the row lock for a
// recipe user. The snapshot fields were read while the lock was held; they
// cannot change until the transaction ends.
type LockedUser struct {
	recipeUserID  string
	recipeID      string
	primaryUserID *string
}

func (u *LockedUser) RecipeUserID() string { return u.recipeUserID }
func (u *LockedUser) RecipeID() string     { return u.recipeID }

// PrimaryUserID returns the user's primary pointer at lock time, or nil for a
// standalone user.
func (u *LockedUser) PrimaryUserID() *string {
	if u.primaryUserID == nil {
		return nil
	}
	v := *u.primaryUserID
	return &v
}

// IsPrimary reports whether the user heads its own group.
func (u *LockedUser) IsPrimary() bool {
	return u.primaryUserID != nil && *u.primaryUserID == u.recipeUserID
}

// IsLinked reports whether the user is linked to a different primary.
func (u *LockedUser) IsLinked() bool {
	return u.primaryUserID != nil && *u.primaryUserID != u.recipeUserID
}

type Locker struct {
	store Store
}

func New(store Store) *Locker {
	return &Locker{store: store}
}

// LockUser locks userID (and, transitively, its primary) and returns its
// handle. Returns domain.ErrUnknownUser if the user does not exist.
func (l *Locker) LockUser(ctx context.Context, appID, userID string) (*LockedUser, error) {
	handles, err := l.LockUsers(ctx, appID, []string{userID})
	if err != nil {
		return nil, err
	}
	return handles[userID], nil
}

// LockUsersForLinking locks a link pair in one acquisition pass and returns
// the handles in argument order.
func (l *Locker) LockUsersForLinking(ctx context.Context, appID, primaryCandidateID, recipeUserID string) (*LockedUser, *LockedUser, error) {
	handles, err := l.LockUsers(ctx, appID, []string{primaryCandidateID, recipeUserID})
	if err != nil {
		return nil, nil, err
	}
	return handles[primaryCandidateID], handles[recipeUserID], nil
}

// LockUsers locks the requested users together with every primary user their
// pointers name, in ascending id order, and returns a handle per requested id.
// The lock set is recomputed after each acquisition round until it stops
// growing, so a concurrent link observed between the initial read and the lock
// is folded in rather than raced against.
func (l *Locker) LockUsers(ctx context.Context, appID string, userIDs []string) (map[string]*LockedUser, error) {
	requested := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		requested[id] = true
	}

	target := make(map[string]bool, len(requested))
	for id := range requested {
		target[id] = true
	}

	for {
		// Extend the target set with the current primaries of its members.
		for _, id := range sortedKeys(target) {
			ref, err := l.store.GetLockRef(ctx, appID, id)
			if err != nil {
				return nil, err
			}
			if ref == nil {
				if requested[id] {
					return nil, domain.ErrUnknownUser
				}
				continue
			}
			if ref.PrimaryUserID != nil {
				target[*ref.PrimaryUserID] = true
			}
		}

		for _, id := range sortedKeys(target) {
			found, err := l.store.AcquireRowLock(ctx, appID, id)
			if err != nil {
				return nil, err
			}
			if !found && requested[id] {
				return nil, domain.ErrUnknownUser
			}
		}

		// Re-read under lock. Pointers of locked rows are now frozen, so any
		// primary outside the target set was linked concurrently before we
		// locked; grow the set and go again.
		refs := make(map[string]*repository.LockRef, len(target))
		stable := true
		for _, id := range sortedKeys(target) {
			ref, err := l.store.GetLockRef(ctx, appID, id)
			if err != nil {
				return nil, err
			}
			if ref == nil {
				if requested[id] {
					return nil, domain.ErrUnknownUser
				}
				continue
			}
			refs[id] = ref
			if ref.PrimaryUserID != nil && !target[*ref.PrimaryUserID] {
				target[*ref.PrimaryUserID] = true
				stable = false
			}
		}
		if !stable {
			continue
		}

		handles := make(map[string]*LockedUser, len(requested))
		for id := range requested {
			ref := refs[id]
			if ref == nil {
				return nil, domain.ErrUnknownUser
			}
			h := &LockedUser{recipeUserID: id, recipeID: ref.RecipeID}
			if ref.PrimaryUserID != nil {
				v := *ref.PrimaryUserID
				h.primaryUserID = &v
			}
			handles[id] = h
		}
		return handles, nil
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
