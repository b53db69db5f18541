package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownUser is returned when a user id expected to exist is missing,
// including disappearance mid-transaction (e.g. deleted concurrently).
var ErrUnknownUser = errors.New("unknown user id")

// ErrThirdPartyInfoImmutable rejects attribute updates on third-party login
// methods; their identifying values are fixed at creation.
var ErrThirdPartyInfoImmutable = errors.New("third party account info cannot be updated")

// ErrCannotLinkPrimaryUser rejects re-parenting: a primary user that heads its
// own group may not be linked under a different primary.
var ErrCannotLinkPrimaryUser = errors.New("recipe user is a primary user and cannot be linked to another primary")

// AlreadyAssociatedError reports that an identifying attribute is reserved by
// a different primary-user group.
type AlreadyAssociatedError struct {
	PrimaryUserID string
	Type          AccountInfoType
}

func (e *AlreadyAssociatedError) Error() string {
	switch e.Type {
	case TypeEmail:
		return "this user's email is already associated with another primary user ID"
	case TypePhoneNumber:
		return "this user's phone number is already associated with another primary user ID"
	case TypeThirdParty:
		return "this user's third party login is already associated with another primary user ID"
	}
	return "account info is already associated with another primary user ID"
}

// CannotBecomePrimaryError reports that a user already linked to another
// primary was asked to become primary itself.
type CannotBecomePrimaryError struct {
	LinkedTo string
}

func (e *CannotBecomePrimaryError) Error() string {
	return fmt.Sprintf("user is already linked to primary user %s and cannot become primary", e.LinkedTo)
}

// NotPrimaryUserError reports that the link target is not a primary user.
type NotPrimaryUserError struct {
	UserID string
}

func (e *NotPrimaryUserError) Error() string {
	return fmt.Sprintf("user %s is not a primary user", e.UserID)
}

// AlreadyLinkedError reports that a recipe user is already linked to a
// different primary than the requested target.
type AlreadyLinkedError struct {
	PrimaryUserID string
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("recipe user is already linked to primary user %s", e.PrimaryUserID)
}

// ChangeNotAllowedError reports that an email/phone change would steal an
// attribute claimed elsewhere while the user belongs to a primary group.
type ChangeNotAllowedError struct {
	Type AccountInfoType
}

func (e *ChangeNotAllowedError) Error() string {
	switch e.Type {
	case TypeEmail:
		return "email change not allowed"
	case TypePhoneNumber:
		return "phone number change not allowed"
	}
	return "account info change not allowed"
}

// DuplicateError reports that another recipe user already owns the attribute
// within the tenant.
type DuplicateError struct {
	Type AccountInfoType
}

func (e *DuplicateError) Error() string {
	switch e.Type {
	case TypeEmail:
		return "duplicate email"
	case TypePhoneNumber:
		return "duplicate phone number"
	case TypeThirdParty:
		return "duplicate third party user"
	}
	return "duplicate account info"
}
