package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
)

type txSearcher interface {
	TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*ctypes.ResultTxSearch, error)
}

// ClaimWatcher finds preimages revealed by claims, which is how the
// counterparty of a swap learns the secret for the mirrored escrow.
type ClaimWatcher struct {
	rpc    txSearcher
	hasher commitment.Hasher
}

// NewClaimWatcher connects to the CometBFT RPC at rpcAddr. hasher must be the
// chain's digest function.
func NewClaimWatcher(rpcAddr string, hasher commitment.Hasher) (*ClaimWatcher, error) {
	c, err := cmthttp.NewWithClient(rpcAddr, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create CometBFT client: %w", err)
	}
	return newClaimWatcher(c, hasher), nil
}

func newClaimWatcher(rpc txSearcher, hasher commitment.Hasher) *ClaimWatcher {
	if hasher == nil {
		hasher = commitment.SHA256
	}
	return &ClaimWatcher{rpc: rpc, hasher: hasher}
}

// RevealedPreimage returns the preimage published by a successful claim of d.
// Preimages that do not hash to d are ignored.
func (w *ClaimWatcher) RevealedPreimage(ctx context.Context, d commitment.Digest) (commitment.Preimage, bool, error) {
	query := fmt.Sprintf("htlc_claim.commitment='%s'", d)
	res, err := w.rpc.TxSearch(ctx, query, false, nil, nil, "")
	if err != nil {
		return commitment.Preimage{}, false, fmt.Errorf("error searching for claim: %w", err)
	}
	for _, tx := range res.Txs {
		for _, event := range tx.TxResult.Events {
			if event.Type != "htlc_claim" {
				continue
			}
			for _, attr := range event.Attributes {
				if attr.Key != "preimage" {
					continue
				}
				p, err := commitment.ParsePreimage(attr.Value)
				if err == nil && commitment.Verify(w.hasher, p, d) {
					return p, true, nil
				}
			}
		}
	}
	return commitment.Preimage{}, false, nil
}

// WaitForPreimage polls until the preimage of d is revealed or ctx ends.
func (w *ClaimWatcher) WaitForPreimage(ctx context.Context, d commitment.Digest, interval time.Duration) (commitment.Preimage, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, ok, err := w.RevealedPreimage(ctx, d)
		if err != nil {
			return p, err
		}
		if ok {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}
