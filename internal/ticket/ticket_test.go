package ticket

import (
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	raw, err := Issue(key, RoleWorkerGPU, "node-7", "/mnt/models", 1000, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Verify(&key.PublicKey, raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Role != RoleWorkerGPU {
		t.Errorf("Role = %q, want worker-gpu", claims.Role)
	}
	if claims.Subject != "node-7" {
		t.Errorf("Subject = %q, want node-7", claims.Subject)
	}
	if claims.MountSpec != "/mnt/models" {
		t.Errorf("MountSpec = %q, want /mnt/models", claims.MountSpec)
	}
}

func TestIssueQueenWithoutSubjectAllowed(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	raw, err := Issue(key, RoleQueen, "", "", 0, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Verify(&key.PublicKey, raw); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestIssueWorkerWithoutSubjectRejected(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	if _, err := Issue(key, RoleWorkerBus, "", "", 0, time.Hour); err == nil {
		t.Fatal("expected error issuing subjectless worker ticket")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	other, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	raw, err := Issue(key, RoleWorkerLora, "node-1", "", 0, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Verify(&other.PublicKey, raw); err == nil {
		t.Fatal("expected verification failure with mismatched key")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	raw, err := Issue(key, RoleWorkerHeartbeat, "node-2", "", 0, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Verify(&key.PublicKey, raw); err == nil {
		t.Fatal("expected verification failure for expired ticket")
	}
}

func TestMarshalParsePublicKeyRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	encoded, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey: %v", err)
	}
	pub, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("round-tripped public key does not match original")
	}
}

type fakePolicy struct{ max int }

func (f fakePolicy) MaxTicketBytes() int { return f.max }

func TestCheckSize(t *testing.T) {
	if err := CheckSize(fakePolicy{max: 10}, "0123456789"); err != nil {
		t.Errorf("unexpected error at boundary: %v", err)
	}
	if err := CheckSize(fakePolicy{max: 10}, "01234567890"); err == nil {
		t.Error("expected error over boundary")
	}
}
