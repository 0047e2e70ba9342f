package device

import (
	"errors"
	"testing"
)

func TestRegistryClaim(t *testing.T) {
	r := NewRegistry()

	release, err := r.Claim("room-1", "p1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := r.Claim("room-1", "p1"); !errors.Is(err, ErrProducerBusy) {
		t.Fatalf("second Claim = %v, want ErrProducerBusy", err)
	}

	// Other producers and other sessions are independent.
	releaseP2, err := r.Claim("room-1", "p2")
	if err != nil {
		t.Fatalf("Claim p2: %v", err)
	}
	releaseOther, err := r.Claim("room-2", "p1")
	if err != nil {
		t.Fatalf("Claim room-2: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	release()
	release()
	if r.Active("room-1", "p1") {
		t.Fatal("pair still active after release")
	}
	if _, err := r.Claim("room-1", "p1"); err != nil {
		t.Fatalf("Claim after release: %v", err)
	}

	releaseP2()
	releaseOther()
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryRejectsEmptyIdentity(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Claim("", "p1"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("Claim = %v, want ErrInvalidIdentity", err)
	}
	if _, err := r.Claim("room-1", ""); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("Claim = %v, want ErrInvalidIdentity", err)
	}
}
