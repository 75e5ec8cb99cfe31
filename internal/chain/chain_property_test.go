package chain_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

func eventsFor(actions []string) []chain.Event {
	events := make([]chain.Event, 0, len(actions))
	for i, a := range actions {
		events = append(events, chain.Event{
			Type:       chain.KindAuditLog,
			Payload:    &chain.AuditLog{Resource: "res", Action: "act-" + a},
			OccurredAt: int64(i + 1),
		})
	}
	return events
}

func TestMerkleRootProperties(t *testing.T) {
	h, _ := chaincrypto.NewHasher(chaincrypto.HashSHA256)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merkle root is deterministic", prop.ForAll(
		func(actions []string) bool {
			r1, err1 := chain.MerkleRoot(h, eventsFor(actions))
			r2, err2 := chain.MerkleRoot(h, eventsFor(actions))
			return err1 == nil && err2 == nil && r1 == r2
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("changing any event changes the root", prop.ForAll(
		func(actions []string, pick int) bool {
			if len(actions) == 0 {
				return true
			}
			events := eventsFor(actions)
			before, _ := chain.MerkleRoot(h, events)
			i := pick % len(events)
			events[i].Payload = &chain.AuditLog{Resource: "res", Action: "tampered:" + actions[i]}
			after, _ := chain.MerkleRoot(h, events)
			return before != after
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestMineProperties(t *testing.T) {
	h, _ := chaincrypto.NewHasher(chaincrypto.HashSHA256)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("mined blocks verify and meet their difficulty", prop.ForAll(
		func(actions []string, difficulty int) bool {
			b, err := chain.Mine(ctx, h, 1, 1_700_000_000_000, eventsFor(actions), "prev", difficulty)
			if err != nil {
				return false
			}
			return b.VerifyContents(h) == nil && chain.MeetsDifficulty(b.Hash, difficulty)
		},
		gen.SliceOfN(4, gen.AlphaString()),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
