package escrow

import (
	"math/big"
	"testing"
)

func TestEscrowIDDeterministic(t *testing.T) {
	a := EscrowID(clientAddr, providerAddr, hash(0xAA))
	b := EscrowID(clientAddr, providerAddr, hash(0xAA))
	if a != b {
		t.Fatalf("same inputs produced different ids")
	}
	if a == EscrowID(clientAddr, providerAddr, hash(0xBB)) {
		t.Fatalf("different task hash produced the same id")
	}
	if a == EscrowID(providerAddr, clientAddr, hash(0xAA)) {
		t.Fatalf("swapped parties produced the same id")
	}
}

func TestVaultAuthorityScopedToID(t *testing.T) {
	a := VaultAuthority(hash(0x01))
	b := VaultAuthority(hash(0x02))
	if a == b {
		t.Fatalf("distinct escrows share a vault authority")
	}
	if a == ([20]byte{}) {
		t.Fatalf("vault authority is the zero address")
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"USDC", "USDC", false},
		{"usdc", "USDC", false},
		{"  sol ", "SOL", false},
		{"A1B2C3D4", "A1B2C3D4", false},
		{"", "", true},
		{"TOOLONGSYM", "", true},
		{"usd-coin", "", true},
		{"usd coin", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeToken(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NormalizeToken(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeToken(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[EscrowStatus]bool{
		StatusAwaitingProvider: false,
		StatusActive:           false,
		StatusProofSubmitted:   false,
		StatusCompleted:        true,
		StatusDisputed:         false,
		StatusResolved:         true,
		StatusExpired:          true,
		StatusCancelled:        true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Fatalf("%v.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestReleaseTime(t *testing.T) {
	esc := &Escrow{Deadline: 1_000, GracePeriod: 100}
	if got := esc.ExpiryTime(); got != 1_100 {
		t.Fatalf("ExpiryTime = %d, want 1100", got)
	}
	// No proof yet: anchored to deadline + grace.
	if got := esc.ReleaseTime(); got != 1_100 {
		t.Fatalf("ReleaseTime = %d, want 1100", got)
	}
	// Proof submitted early: deadline + grace still dominates.
	esc.ProofSubmittedAt = 500
	if got := esc.ReleaseTime(); got != 1_100 {
		t.Fatalf("ReleaseTime = %d, want 1100", got)
	}
	// Proof timestamp past the deadline anchors the later clock.
	esc.ProofSubmittedAt = 1_500
	if got := esc.ReleaseTime(); got != 1_600 {
		t.Fatalf("ReleaseTime = %d, want 1600", got)
	}
}

func TestEscrowCloneIsolation(t *testing.T) {
	esc := &Escrow{
		ID:     hash(0x01),
		Client: clientAddr,
		Token:  "USDC",
		Amount: big.NewInt(100),
		Status: StatusActive,
	}
	clone := esc.Clone()
	clone.Amount.SetInt64(999)
	clone.Status = StatusCompleted
	if esc.Amount.Int64() != 100 || esc.Status != StatusActive {
		t.Fatalf("clone shares state with the original")
	}
}

func TestSanitizeEscrow(t *testing.T) {
	esc := &Escrow{
		ID:               hash(0x01),
		Client:           clientAddr,
		Provider:         providerAddr,
		Token:            "usdc",
		Amount:           big.NewInt(100),
		Status:           StatusActive,
		VerificationType: VerifyMultiSigConfirm,
	}
	clean, err := SanitizeEscrow(esc)
	if err != nil {
		t.Fatalf("SanitizeEscrow: %v", err)
	}
	if clean.Token != "USDC" {
		t.Fatalf("token = %q, want canonical USDC", clean.Token)
	}
	if esc.Token != "usdc" {
		t.Fatalf("sanitize mutated the input")
	}

	bad := esc.Clone()
	bad.ProtocolFeeBps = MaxFeeBps + 1
	if _, err := SanitizeEscrow(bad); err == nil {
		t.Fatalf("expected rejection of over-cap fee snapshot")
	}
	bad = esc.Clone()
	bad.Status = EscrowStatus(99)
	if _, err := SanitizeEscrow(bad); err == nil {
		t.Fatalf("expected rejection of invalid status")
	}
}
