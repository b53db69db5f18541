package emailpassword

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"auth-platform/storage/internal/security"
)

func TestValidateEmail(t *testing.T) {
	valid := []string{"a@x.com", "first.last@sub.example.org", "x@y"}
	for _, email := range valid {
		if err := validateEmail(email); err != nil {
			t.Errorf("validateEmail(%q) = %v, want nil", email, err)
		}
	}
	invalid := []string{"", "no-at-sign", "@x.com", "a@", "a b@x.com"}
	for _, email := range invalid {
		if err := validateEmail(email); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("validateEmail(%q) = %v, want ErrInvalidEmail", email, err)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	if err := validatePassword("longenough"); err != nil {
		t.Errorf("validatePassword = %v, want nil", err)
	}
	if err := validatePassword("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("validatePassword = %v, want ErrPasswordTooShort", err)
	}
}

// Input validation runs before any storage access, so a nil database is safe
// for the rejection paths.
func TestSignUp_RejectsBadInputBeforeStorage(t *testing.T) {
	svc := NewService(nil, security.NewPasswordHasher(bcrypt.MinCost), 0, nil)

	if _, err := svc.SignUp(context.Background(), "app", "not-an-email", "longenough", []string{"t1"}); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("bad email: err = %v, want ErrInvalidEmail", err)
	}
	if _, err := svc.SignUp(context.Background(), "app", "a@x.com", "short", []string{"t1"}); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("short password: err = %v, want ErrPasswordTooShort", err)
	}
}

func TestUpdateEmail_RejectsBadInputBeforeStorage(t *testing.T) {
	svc := NewService(nil, security.NewPasswordHasher(bcrypt.MinCost), 0, nil)

	if err := svc.UpdateEmail(context.Background(), "app", "user-1", "nope"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("err = %v, want ErrInvalidEmail", err)
	}
}

func TestUpdatePassword_RejectsShortPasswordBeforeStorage(t *testing.T) {
	svc := NewService(nil, security.NewPasswordHasher(bcrypt.MinCost), 0, nil)

	if err := svc.UpdatePassword(context.Background(), "app", "user-1", "whatever", "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("err = %v, want ErrPasswordTooShort", err)
	}
}
