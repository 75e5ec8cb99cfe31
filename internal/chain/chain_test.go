package chain_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

var ctx = context.Background()

func sha256Hasher(t *testing.T) chaincrypto.Hasher {
	t.Helper()
	h, err := chaincrypto.NewHasher(chaincrypto.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func newLedger(t *testing.T, difficulty int, opts ...chain.Option) *chain.Ledger {
	t.Helper()
	l, err := chain.New(chain.Config{Difficulty: difficulty}, sha256Hasher(t), zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	return l
}

func auditEvent(resource, action string) chain.Event {
	return chain.NewEvent(chain.KindAuditLog, &chain.AuditLog{Resource: resource, Action: action}, "alice")
}

func mustAdd(t *testing.T, l *chain.Ledger, events ...chain.Event) {
	t.Helper()
	for _, e := range events {
		if err := l.AddPendingEvent(e); err != nil {
			t.Fatalf("AddPendingEvent: %v", err)
		}
	}
}

func mustMine(t *testing.T, l *chain.Ledger) *chain.Block {
	t.Helper()
	b, err := l.MineBlock(ctx, "miner-1")
	if err != nil {
		t.Fatalf("MineBlock: %v", err)
	}
	return b
}

func TestNew_genesisIsDeterministic(t *testing.T) {
	a := newLedger(t, 2)
	b := newLedger(t, 3)

	if a.Len() != 1 {
		t.Fatalf("expected 1 genesis block, got %d", a.Len())
	}
	if a.Genesis().Hash != b.Genesis().Hash {
		t.Errorf("genesis differs between ledgers: %q vs %q", a.Genesis().Hash, b.Genesis().Hash)
	}
	g := a.Genesis()
	if g.Index != 0 || g.PreviousHash != chain.GenesisPreviousHash || g.Difficulty != 0 {
		t.Errorf("unexpected genesis header: %+v", g)
	}
	if len(g.Events) != 1 || g.Events[0].Type != chain.KindGenesis {
		t.Errorf("genesis should carry one chain_genesis event, got %+v", g.Events)
	}
	if err := a.Validate(); err != nil {
		t.Errorf("Validate() on fresh ledger: %v", err)
	}
}

func TestNew_rejectsOutOfRangeDifficulty(t *testing.T) {
	_, err := chain.New(chain.Config{Difficulty: 65}, sha256Hasher(t), zap.NewNop())
	var se *chain.StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
}

func TestMineBlock_linksAndMeetsDifficulty(t *testing.T) {
	l := newLedger(t, 2)
	mustAdd(t, l, auditEvent("db/users", "read"), auditEvent("db/users", "write"), auditEvent("s3/logs", "read"))

	b := mustMine(t, l)

	if b.Index != 1 {
		t.Errorf("index: got %d, want 1", b.Index)
	}
	if b.PreviousHash != l.Genesis().Hash {
		t.Errorf("previous hash: got %q, want genesis hash", b.PreviousHash)
	}
	if !strings.HasPrefix(b.Hash, "00") {
		t.Errorf("hash %q does not meet difficulty 2", b.Hash)
	}
	if len(b.Events) != 3 {
		t.Errorf("expected 3 events, got %d", len(b.Events))
	}
	if l.PendingCount() != 0 {
		t.Errorf("pending buffer should be empty, got %d", l.PendingCount())
	}
	if l.State() != chain.StateIdle {
		t.Errorf("state after mining: %s", l.State())
	}
	if err := l.Validate(); err != nil {
		t.Errorf("Validate(): %v", err)
	}
	if got := l.LastBlock(); got.Hash != b.Hash {
		t.Errorf("LastBlock: got %q, want %q", got.Hash, b.Hash)
	}
}

func TestMineBlock_noPending(t *testing.T) {
	l := newLedger(t, 1)
	if _, err := l.MineBlock(ctx, "miner-1"); !errors.Is(err, chain.ErrNoPending) {
		t.Errorf("expected ErrNoPending, got %v", err)
	}
}

func TestMineBlock_cancelKeepsPending(t *testing.T) {
	l := newLedger(t, 64)
	mustAdd(t, l, auditEvent("vault", "open"))

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	if _, err := l.MineBlock(cctx, "miner-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if l.PendingCount() != 1 {
		t.Errorf("pending event lost on cancel: %d", l.PendingCount())
	}
	if l.Len() != 1 {
		t.Errorf("no block should be appended, len=%d", l.Len())
	}
	if l.State() != chain.StateIdle {
		t.Errorf("state after cancel: %s", l.State())
	}
}

func TestMineBlock_busyWhileSyncing(t *testing.T) {
	l := newLedger(t, 1)
	mustAdd(t, l, auditEvent("vault", "open"))

	if err := l.BeginSync(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.MineBlock(ctx, "miner-1"); !errors.Is(err, chain.ErrBusy) {
		t.Errorf("expected ErrBusy while syncing, got %v", err)
	}
	if err := l.BeginSync(); !errors.Is(err, chain.ErrBusy) {
		t.Errorf("nested BeginSync should fail, got %v", err)
	}
	l.EndSync()
	mustMine(t, l)
}

// gatedTimestamper holds the first Attest call until release is closed.
type gatedTimestamper struct {
	calls    atomic.Int32
	attested chan struct{}
	release  chan struct{}
}

func (g *gatedTimestamper) Attest(ctx context.Context, hash string) (*chain.ExternalTimestamp, error) {
	if g.calls.Add(1) == 1 {
		close(g.attested)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &chain.ExternalTimestamp{Verified: true, Token: "tok-" + hash[:8], CreatedAt: 1}, nil
}

func TestMineBlock_restartsWhenTipMoves(t *testing.T) {
	gate := &gatedTimestamper{attested: make(chan struct{}), release: make(chan struct{})}
	shared := auditEvent("vault", "open")
	l := newLedger(t, 1, chain.WithTimestamper(gate))
	mustAdd(t, l, shared, auditEvent("vault", "inspect"))

	peer := newLedger(t, 1)
	mustAdd(t, peer, shared)
	peerBlock := mustMine(t, peer)

	type result struct {
		b   *chain.Block
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := l.MineBlock(ctx, "miner-1")
		done <- result{b, err}
	}()

	<-gate.attested
	if err := l.AppendBlock(peerBlock); err != nil {
		t.Fatalf("AppendBlock while mining: %v", err)
	}
	close(gate.release)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("MineBlock did not return")
	}
	if res.err != nil {
		t.Fatalf("MineBlock: %v", res.err)
	}
	b := res.b
	if b.Index != 2 || b.PreviousHash != peerBlock.Hash {
		t.Errorf("block should extend the peer block, got index %d prev %s", b.Index, b.PreviousHash)
	}
	if len(b.Events) != 1 || b.Events[0].Payload.(*chain.AuditLog).Action != "inspect" {
		t.Errorf("restarted block should carry only the uncommitted event, got %+v", b.Events)
	}
	if got := gate.calls.Load(); got != 2 {
		t.Errorf("Attest calls = %d, want 2", got)
	}
	if l.Len() != 3 || l.PendingCount() != 0 {
		t.Errorf("len = %d pending = %d, want 3 and 0", l.Len(), l.PendingCount())
	}
	if l.State() != chain.StateIdle {
		t.Errorf("state after mining: %s", l.State())
	}
	if err := l.Validate(); err != nil {
		t.Errorf("chain invalid after restart: %v", err)
	}
}

func TestValidateEvent_rejectsNullRawPayload(t *testing.T) {
	for _, raw := range []string{"null", " null "} {
		e := chain.NewEvent("custom_kind", chain.RawPayload(raw), "carol")
		err := chain.ValidateEvent(e)
		var se *chain.StructuralError
		if !errors.As(err, &se) {
			t.Errorf("payload %q: expected StructuralError, got %v", raw, err)
		}
	}
	if err := chain.ValidateEvent(chain.NewEvent("custom_kind", chain.RawPayload(`{}`), "carol")); err != nil {
		t.Errorf("empty object payload should be accepted: %v", err)
	}
}

func TestAddPendingEvent_rejectsMalformed(t *testing.T) {
	l := newLedger(t, 1)
	cases := []chain.Event{
		{Type: "", Payload: &chain.AuditLog{Resource: "r", Action: "a"}, OccurredAt: 1},
		{Type: chain.KindAuditLog, OccurredAt: 1},
		{Type: chain.KindAuditLog, Payload: &chain.AuditLog{Action: "a"}, OccurredAt: 1},
		{Type: chain.KindAccessGranted, Payload: &chain.AccessDecision{Resource: "r", RiskScore: 101}, OccurredAt: 1},
		{Type: "custom", Payload: &chain.AuditLog{Resource: "r", Action: "a"}, OccurredAt: 1},
	}
	for i, e := range cases {
		err := l.AddPendingEvent(e)
		var se *chain.StructuralError
		if !errors.As(err, &se) {
			t.Errorf("case %d: expected StructuralError, got %v", i, err)
		}
	}
	if l.PendingCount() != 0 {
		t.Errorf("malformed events must not be queued, got %d", l.PendingCount())
	}
}

func TestValidate_detectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(b *chain.Block)
	}{
		{"payload", func(b *chain.Block) {
			b.Events[0] = auditEvent("db/users", "delete")
		}},
		{"previous hash", func(b *chain.Block) {
			b.PreviousHash = strings.Repeat("f", 64)
		}},
		{"merkle root", func(b *chain.Block) {
			b.MerkleRoot = strings.Repeat("a", 64)
		}},
		{"nonce", func(b *chain.Block) {
			b.Nonce++
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger(t, 1)
			mustAdd(t, l, auditEvent("db/users", "read"))
			mustMine(t, l)
			mustAdd(t, l, auditEvent("db/users", "write"))
			mustMine(t, l)

			blocks := l.Blocks()
			tt.tamper(blocks[1])

			err := l.Validate()
			var ie *chain.IntegrityError
			if !errors.As(err, &ie) {
				t.Fatalf("expected IntegrityError, got %v", err)
			}
			if ie.Index != 1 {
				t.Errorf("violation index: got %d, want 1", ie.Index)
			}
		})
	}
}

func TestValidateChain_rejectsForeignGenesis(t *testing.T) {
	l := newLedger(t, 1)
	blocks := l.Blocks()
	forged := blocks[0].Clone()
	forged.Events[0].ActorID = "mallory"

	err := l.ValidateChain([]*chain.Block{forged})
	var ie *chain.IntegrityError
	if !errors.As(err, &ie) || ie.Index != 0 {
		t.Fatalf("expected genesis IntegrityError, got %v", err)
	}
	if l.ValidateChain(nil) == nil {
		t.Error("empty chain must be invalid")
	}
}

func TestAppendBlock(t *testing.T) {
	a := newLedger(t, 1)
	b := newLedger(t, 1)

	mustAdd(t, b, auditEvent("vault", "open"))
	blk := mustMine(t, b)

	if err := a.AppendBlock(blk); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if a.Len() != 2 {
		t.Errorf("expected 2 blocks, got %d", a.Len())
	}
	if err := a.AppendBlock(blk); !errors.Is(err, chain.ErrTipChanged) {
		t.Errorf("re-appending should report ErrTipChanged, got %v", err)
	}

	rejected := errors.New("rejected by check")
	mustAdd(t, b, auditEvent("vault", "close"))
	next := mustMine(t, b)
	err := a.AppendBlock(next, func(candidate, previous *chain.Block) error { return rejected })
	if !errors.Is(err, rejected) {
		t.Errorf("expected check error, got %v", err)
	}
	if a.Len() != 2 {
		t.Errorf("rejected block must not be appended")
	}
}

func TestAppendBlock_prunesPending(t *testing.T) {
	shared := auditEvent("vault", "open")
	a := newLedger(t, 1)
	b := newLedger(t, 1)
	mustAdd(t, a, shared, auditEvent("vault", "inspect"))
	mustAdd(t, b, shared)

	if err := a.AppendBlock(mustMine(t, b)); err != nil {
		t.Fatal(err)
	}
	pending := a.Pending()
	if len(pending) != 1 || pending[0].Payload.(*chain.AuditLog).Action != "inspect" {
		t.Errorf("expected only the uncommitted event to remain, got %+v", pending)
	}
}

func TestAppendBlock_busyWhileSyncing(t *testing.T) {
	a := newLedger(t, 1)
	b := newLedger(t, 1)
	mustAdd(t, b, auditEvent("vault", "open"))
	blk := mustMine(t, b)

	_ = a.BeginSync()
	defer a.EndSync()
	if err := a.AppendBlock(blk); !errors.Is(err, chain.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestReplaceChain_allOrNothing(t *testing.T) {
	local := newLedger(t, 1)
	mustAdd(t, local, auditEvent("db", "read"))
	mustMine(t, local)
	before := local.LastBlock().Hash

	peer := newLedger(t, 1)
	for i := 0; i < 3; i++ {
		mustAdd(t, peer, auditEvent("db", "write"))
		mustMine(t, peer)
	}
	candidate := peer.Blocks()
	broken := make([]*chain.Block, len(candidate))
	for i, b := range candidate {
		broken[i] = b.Clone()
	}
	broken[2].Events[0] = auditEvent("db", "drop")

	if err := local.ReplaceChain(broken, nil); err == nil {
		t.Fatal("expected invalid candidate to be rejected")
	}
	if local.LastBlock().Hash != before || local.Len() != 2 {
		t.Errorf("local chain mutated by rejected replacement")
	}

	refuse := errors.New("not heavier")
	if err := local.ReplaceChain(candidate, func(_, _ []*chain.Block) error { return refuse }); !errors.Is(err, refuse) {
		t.Errorf("expected decision error, got %v", err)
	}
	if local.Len() != 2 {
		t.Errorf("local chain mutated by refused replacement")
	}

	if err := local.ReplaceChain(candidate, nil); err != nil {
		t.Fatalf("ReplaceChain: %v", err)
	}
	if local.Len() != 4 || local.LastBlock().Hash != peer.LastBlock().Hash {
		t.Errorf("chain not replaced")
	}
}

func TestReplaceChain_requeuesOrphanedAndPrunesIncluded(t *testing.T) {
	shared := auditEvent("vault", "open")
	orphan := auditEvent("vault", "orphan")

	local := newLedger(t, 1)
	mustAdd(t, local, orphan)
	mustMine(t, local)
	mustAdd(t, local, shared)

	peer := newLedger(t, 1)
	mustAdd(t, peer, shared)
	mustMine(t, peer)
	mustAdd(t, peer, auditEvent("vault", "close"))
	mustMine(t, peer)

	if err := local.ReplaceChain(peer.Blocks(), nil); err != nil {
		t.Fatal(err)
	}
	pending := local.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}
	if pending[0].Payload.(*chain.AuditLog).Action != "orphan" {
		t.Errorf("orphaned event not requeued: %+v", pending[0])
	}
}

func TestReset(t *testing.T) {
	l := newLedger(t, 1)
	mustAdd(t, l, auditEvent("db", "read"))
	mustMine(t, l)
	mustAdd(t, l, auditEvent("db", "write"))

	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 1 || l.PendingCount() != 0 {
		t.Errorf("Reset: len=%d pending=%d", l.Len(), l.PendingCount())
	}
}

func TestAuditTrail(t *testing.T) {
	l := newLedger(t, 1)
	mustAdd(t, l,
		auditEvent("db/users", "read"),
		auditEvent("s3/logs", "read"),
		chain.NewEvent(chain.KindAccessDenied, &chain.AccessDecision{Resource: "db/users", RiskScore: 100}, "bob"),
		chain.NewEvent("custom_kind", chain.RawPayload(`{"resource":"db/users","note":"x"}`), "carol"),
	)
	mustMine(t, l)
	mustAdd(t, l, auditEvent("db/users", "pending"))

	trail := l.AuditTrail("db/users")
	if len(trail) != 3 {
		t.Fatalf("expected 3 committed events for db/users, got %d", len(trail))
	}
	if trail[1].Type != chain.KindAccessDenied || trail[2].Type != "custom_kind" {
		t.Errorf("unexpected trail order: %s, %s", trail[1].Type, trail[2].Type)
	}
}

func TestExportParse_roundTripValidates(t *testing.T) {
	l := newLedger(t, 1)
	mustAdd(t, l,
		auditEvent("db", "read"),
		chain.NewEvent(chain.KindAccessGranted, &chain.AccessDecision{
			PolicyID: "p1", PolicyVersion: 2, Resource: "db", Allowed: true,
			MatchedConditions: []string{"role"}, RiskScore: 55, RequiresApproval: true,
		}, "alice"),
		chain.NewEvent("custom_kind", chain.RawPayload(`{"b":1,"a":[true,null]}`), ""),
	)
	mustMine(t, l)

	data, err := l.Export()
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := chain.ParseChain(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.ValidateChain(blocks); err != nil {
		t.Fatalf("exported chain fails validation after parse: %v", err)
	}

	restored, err := chain.NewFromBlocks(chain.Config{Difficulty: 1}, sha256Hasher(t), zap.NewNop(), blocks)
	if err != nil {
		t.Fatalf("NewFromBlocks: %v", err)
	}
	if restored.LastBlock().Hash != l.LastBlock().Hash {
		t.Errorf("restored tip differs")
	}
	if _, ok := blocks[1].Events[2].Payload.(chain.RawPayload); !ok {
		t.Errorf("unknown kind should decode to RawPayload, got %T", blocks[1].Events[2].Payload)
	}
}

func TestEventUnmarshal_strictForKnownKinds(t *testing.T) {
	var e chain.Event
	raw := `{"type":"audit_log","payload":{"resource":"r","action":"a","extra":1},"occurredAt":1}`
	if err := json.Unmarshal([]byte(raw), &e); err == nil {
		t.Error("unknown field in typed payload should fail to decode")
	}

	raw = `{"type":"permission_granted","payload":{"resource":"r","subject":"s","permission":"read"},"occurredAt":5,"actorId":"x"}`
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	p, ok := e.Payload.(*chain.PermissionChange)
	if !ok || p.Subject != "s" || e.ActorID != "x" {
		t.Errorf("unexpected decode: %+v", e)
	}
}

func TestMerkleRoot(t *testing.T) {
	h := sha256Hasher(t)

	empty, err := chain.MerkleRoot(h, nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty != chaincrypto.HashHex(h, nil) {
		t.Errorf("empty root: got %q", empty)
	}

	a, b, c := auditEvent("r", "a"), auditEvent("r", "b"), auditEvent("r", "c")
	da, _ := a.Digest(h)
	db, _ := b.Digest(h)
	dc, _ := c.Digest(h)

	single, _ := chain.MerkleRoot(h, []chain.Event{a})
	if single != hex.EncodeToString(da) {
		t.Errorf("single leaf root should equal the leaf digest")
	}

	join := func(x, y []byte) []byte { return h.Hash(append(append([]byte{}, x...), y...)) }
	want := hex.EncodeToString(join(join(da, db), join(dc, dc)))
	got, _ := chain.MerkleRoot(h, []chain.Event{a, b, c})
	if got != want {
		t.Errorf("three-leaf root: got %q, want %q", got, want)
	}
}

func TestSignatures(t *testing.T) {
	h := sha256Hasher(t)
	signer, err := chaincrypto.NewSigner(chaincrypto.SignatureEd25519, []byte(strings.Repeat("s", 32)))
	if err != nil {
		t.Fatal(err)
	}
	verifier, _ := chaincrypto.NewVerifier(chaincrypto.SignatureEd25519)

	miner, err := chain.New(chain.Config{Difficulty: 1, RequireSignatures: true}, h, zap.NewNop(),
		chain.WithSigner(signer), chain.WithVerifier(verifier))
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, miner, auditEvent("db", "read"))
	b := mustMine(t, miner)
	if len(b.Signature) == 0 || b.SignerKeyID != signer.KeyID() {
		t.Fatalf("mined block not signed: %+v", b)
	}

	stranger, _ := chain.New(chain.Config{Difficulty: 1, RequireSignatures: true}, h, zap.NewNop(),
		chain.WithVerifier(verifier))
	if stranger.IsValidChain(miner.Blocks()) {
		t.Error("chain signed by an untrusted key should be rejected")
	}

	peer, _ := chain.New(chain.Config{Difficulty: 1, RequireSignatures: true}, h, zap.NewNop(),
		chain.WithVerifier(verifier), chain.WithTrustedKeys(signer.PublicKey()))
	if !peer.IsValidChain(miner.Blocks()) {
		t.Error("chain signed by a trusted key should be accepted")
	}

	lax := newLedger(t, 1)
	if !lax.IsValidChain(miner.Blocks()) {
		t.Error("signatures are not checked unless required")
	}
}

func TestRetarget_raisesDifficultyWhenBlocksComeFast(t *testing.T) {
	fixed := time.UnixMilli(1_800_000_000_000)
	l, err := chain.New(chain.Config{
		Difficulty: 0,
		Retarget:   chain.RetargetConfig{Every: 2, TargetInterval: time.Second, Min: 0, Max: 3},
	}, sha256Hasher(t), zap.NewNop(), chain.WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		mustAdd(t, l, auditEvent("db", "read"))
		mustMine(t, l)
	}
	if l.Difficulty() != 1 {
		t.Errorf("difficulty after fast blocks: got %d, want 1", l.Difficulty())
	}
	if got := l.LastBlock().Difficulty; got != 1 {
		t.Errorf("block 4 difficulty: got %d, want 1", got)
	}
	if err := l.Validate(); err != nil {
		t.Error(err)
	}
}

func TestMine_difficultyZeroUsesFirstNonce(t *testing.T) {
	b, err := chain.Mine(ctx, sha256Hasher(t), 1, 1_700_000_000_000, []chain.Event{auditEvent("db", "read")}, "prev", 0)
	if err != nil {
		t.Fatal(err)
	}
	if b.Nonce != 0 {
		t.Errorf("nonce at difficulty 0: got %d, want 0", b.Nonce)
	}
}

func TestMerkleRoot_orderSensitive(t *testing.T) {
	h := sha256Hasher(t)
	a, b := auditEvent("r", "a"), auditEvent("r", "b")
	ab, _ := chain.MerkleRoot(h, []chain.Event{a, b})
	ba, _ := chain.MerkleRoot(h, []chain.Event{b, a})
	if ab == ba {
		t.Error("reordering events must change the merkle root")
	}
}
