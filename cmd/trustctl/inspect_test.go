package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

func exportedChain(t *testing.T) ([]byte, string) {
	t.Helper()
	h, err := chaincrypto.NewHasher(chaincrypto.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := chaincrypto.NewSigner(chaincrypto.SignatureEd25519, bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}
	v, err := chaincrypto.NewVerifier(chaincrypto.SignatureEd25519)
	if err != nil {
		t.Fatal(err)
	}
	l, err := chain.New(chain.Config{Difficulty: 1}, h, zap.NewNop(), chain.WithSigner(signer), chain.WithVerifier(v))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := l.AddPendingEvent(chain.NewEvent(chain.KindAuditLog, &chain.AuditLog{Resource: "db/users", Action: "read"}, "alice")); err != nil {
			t.Fatal(err)
		}
		if _, err := l.MineBlock(context.Background(), "test"); err != nil {
			t.Fatalf("MineBlock: %v", err)
		}
	}
	data, err := l.Export()
	if err != nil {
		t.Fatal(err)
	}
	return data, hex.EncodeToString(signer.PublicKey())
}

func TestInspectChain_valid(t *testing.T) {
	data, _ := exportedChain(t)

	rep, err := inspectChain(data, inspectOptions{Hash: "sha256"})
	if err != nil {
		t.Fatalf("inspectChain: %v", err)
	}
	if !rep.Valid {
		t.Fatalf("expected valid chain, failed at %v: %s", rep.FailedAt, rep.Reason)
	}
	if len(rep.Blocks) != 3 {
		t.Errorf("expected 3 blocks, got %d", len(rep.Blocks))
	}
	// genesis (difficulty 0) + two blocks at difficulty 1
	if rep.Work != "5" {
		t.Errorf("cumulative work = %s, want 5", rep.Work)
	}
}

func TestInspectChain_signatures(t *testing.T) {
	data, pub := exportedChain(t)

	rep, err := inspectChain(data, inspectOptions{Hash: "sha256", Signature: "ed25519", TrustedKeys: []string{pub}})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid {
		t.Errorf("signed chain should verify against its signer: %s", rep.Reason)
	}

	other, err := chaincrypto.NewSigner(chaincrypto.SignatureEd25519, bytes.Repeat([]byte{8}, 32))
	if err != nil {
		t.Fatal(err)
	}
	rep, err = inspectChain(data, inspectOptions{Hash: "sha256", Signature: "ed25519", TrustedKeys: []string{hex.EncodeToString(other.PublicKey())}})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || rep.FailedAt == nil || *rep.FailedAt != 1 {
		t.Errorf("untrusted signer should fail at block 1, got %+v", rep)
	}
}

func TestInspectChain_tampered(t *testing.T) {
	data, _ := exportedChain(t)

	blocks, err := chain.ParseChain(data)
	if err != nil {
		t.Fatal(err)
	}
	blocks[2].Nonce++
	tampered, err := json.Marshal(blocks)
	if err != nil {
		t.Fatal(err)
	}

	rep, err := inspectChain(tampered, inspectOptions{Hash: "sha256"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || rep.FailedAt == nil || *rep.FailedAt != 2 {
		t.Errorf("expected failure at block 2, got %+v", rep)
	}
}

func TestInspectChain_badInput(t *testing.T) {
	if _, err := inspectChain([]byte("not json"), inspectOptions{}); err == nil {
		t.Error("expected parse error")
	}
	data, _ := exportedChain(t)
	if _, err := inspectChain(data, inspectOptions{Hash: "md5"}); err == nil {
		t.Error("expected unsupported hash error")
	}
	if _, err := inspectChain(data, inspectOptions{Signature: "ed25519", TrustedKeys: []string{"zz"}}); err == nil {
		t.Error("expected bad key error")
	}
}
