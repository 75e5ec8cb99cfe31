package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
	"github.com/jmerrifield20/trustchain/internal/consensus"
)

type inspectOptions struct {
	Hash        string
	Signature   string
	TrustedKeys []string
}

type blockSummary struct {
	Index       int    `json:"index"`
	Hash        string `json:"hash"`
	Events      int    `json:"events"`
	Difficulty  int    `json:"difficulty"`
	SignerKeyID string `json:"signerKeyId,omitempty"`
}

type inspectReport struct {
	Valid    bool           `json:"valid"`
	FailedAt *int           `json:"failedAt,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Work     string         `json:"cumulativeWork"`
	Blocks   []blockSummary `json:"blocks"`
}

// inspectChain validates an exported chain with a throwaway ledger. Parse
// failures are errors; validation failures are reported in the result.
func inspectChain(data []byte, opts inspectOptions) (*inspectReport, error) {
	blocks, err := chain.ParseChain(data)
	if err != nil {
		return nil, fmt.Errorf("parse chain: %w", err)
	}

	h, err := chaincrypto.NewHasher(opts.Hash)
	if err != nil {
		return nil, err
	}
	var ledgerOpts []chain.Option
	if len(opts.TrustedKeys) > 0 {
		v, err := chaincrypto.NewVerifier(opts.Signature)
		if err != nil {
			return nil, err
		}
		keys := make([][]byte, 0, len(opts.TrustedKeys))
		for _, k := range opts.TrustedKeys {
			pub, err := hex.DecodeString(strings.TrimSpace(k))
			if err != nil {
				return nil, fmt.Errorf("trusted key %q: %w", k, err)
			}
			keys = append(keys, pub)
		}
		ledgerOpts = append(ledgerOpts, chain.WithVerifier(v), chain.WithTrustedKeys(keys...))
	}
	l, err := chain.New(chain.Config{RequireSignatures: len(opts.TrustedKeys) > 0}, h, zap.NewNop(), ledgerOpts...)
	if err != nil {
		return nil, err
	}

	rep := &inspectReport{
		Valid:  true,
		Work:   consensus.CumulativeWork(blocks).String(),
		Blocks: make([]blockSummary, 0, len(blocks)),
	}
	for _, b := range blocks {
		if b == nil {
			continue
		}
		rep.Blocks = append(rep.Blocks, blockSummary{
			Index:       b.Index,
			Hash:        b.Hash,
			Events:      len(b.Events),
			Difficulty:  b.Difficulty,
			SignerKeyID: b.SignerKeyID,
		})
	}

	if err := l.ValidateChain(blocks); err != nil {
		var ie *chain.IntegrityError
		if !errors.As(err, &ie) {
			return nil, err
		}
		rep.Valid = false
		rep.FailedAt = &ie.Index
		rep.Reason = ie.Reason
	}
	return rep, nil
}
