package security

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher_HashAndCompare(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	hash, err := h.Hash("secret123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "" {
		t.Fatal("Hash returned empty")
	}
	if err := h.Compare(hash, "secret123"); err != nil {
		t.Fatalf("Compare: %v", err)
	}
}

func TestPasswordHasher_CompareWrongPassword(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	hash, _ := h.Hash("secret123")
	if err := h.Compare(hash, "wrong"); !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		t.Fatalf("Compare = %v, want mismatch", err)
	}
}

func TestPasswordHasher_CostClamping(t *testing.T) {
	if got := NewPasswordHasher(12).Cost(); got != 12 {
		t.Errorf("Cost() = %d, want 12", got)
	}
	if got := NewPasswordHasher(0).Cost(); got != bcrypt.DefaultCost {
		t.Errorf("zero cost = %d, want default %d", got, bcrypt.DefaultCost)
	}
	if got := NewPasswordHasher(99).Cost(); got != bcrypt.MaxCost {
		t.Errorf("oversized cost = %d, want max %d", got, bcrypt.MaxCost)
	}
}
