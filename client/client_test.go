package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/srvreg"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/crypto/ed25519"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = commitment.Preimage{0x42, 0x42, 0x42}

func wrap(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"body": body}))
}

func TestCreateEscrowSignsAsCreator(t *testing.T) {
	key := ed25519.GenPrivKey()
	d := commitment.SHA256.Sum(secret)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/escrow/create", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		tx, err := srvreg.DecodeTransaction(raw)
		require.NoError(t, err)
		signer, ok := tx.Signer()
		require.True(t, ok)
		body, err := tx.DecodeBody()
		require.NoError(t, err)
		require.Equal(t, signer, body.(*srvreg.CreateBody).Creator)

		wrap(t, w, http.StatusCreated, srvreg.TxResult{TxHash: "AA", Height: 3, Escrow: &escrow.Record{
			Commitment: d, Creator: signer, State: escrow.StateFunded, Amount: uint256.NewInt(10),
		}})
	}))
	defer srv.Close()

	c := NewEscrowClient(srv.URL, nil)
	res, err := c.CreateEscrow(key, srvreg.CreateBody{
		Creator:      "ignored",
		Beneficiary:  "bob",
		Commitment:   d,
		LockDuration: 60,
		Token:        "usdc",
		Amount:       uint256.NewInt(10),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Height)
	assert.Equal(t, srvreg.PrincipalOf(key.PubKey()), res.Escrow.Creator)
}

func TestRejectionBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap(t, w, http.StatusPreconditionFailed, map[string]any{
			"error": "EXPIRED: deadline has passed", "code": escrow.KindExpired.Code(), "tx_hash": "BB",
		})
	}))
	defer srv.Close()

	_, err := NewEscrowClient(srv.URL, nil).Claim(commitment.SHA256.Sum(secret), secret)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.StatusCode)
	assert.Equal(t, escrow.KindExpired, apiErr.Kind())
	assert.Equal(t, "BB", apiErr.TxHash)
}

func TestBalanceAndClaimRequests(t *testing.T) {
	d := commitment.SHA256.Sum(secret)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/balance/usdc/alice":
			wrap(t, w, http.StatusOK, srvreg.BalanceResult{Token: "usdc", Owner: "alice", Amount: "4000"})
		case "/custody/usdc":
			wrap(t, w, http.StatusOK, srvreg.BalanceResult{Token: "usdc", Owner: "htlc-custody", Amount: "1000"})
		case "/escrow/" + d.String() + "/claim":
			var body struct {
				Preimage commitment.Preimage `json:"preimage"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, secret, body.Preimage)
			wrap(t, w, http.StatusOK, srvreg.TxResult{TxHash: "CC"})
		default:
			wrap(t, w, http.StatusNotFound, "Service not found")
		}
	}))
	defer srv.Close()
	c := NewEscrowClient(srv.URL, nil)

	bal, err := c.Balance("usdc", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(4000), bal.Uint64())

	custody, err := c.Custody("usdc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), custody.Uint64())

	res, err := c.Claim(d, secret)
	require.NoError(t, err)
	assert.Equal(t, "CC", res.TxHash)

	_, err = c.GetEscrow(d)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, `"Service not found"`, apiErr.Message)
}

func TestRedirectPolicyIsPerCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	follow := &RequestOptions{FollowRedirects: true}
	stay := &RequestOptions{FollowRedirects: false}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp, err := c.GET("/old", follow)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
			}
		}()
		go func() {
			defer wg.Done()
			resp, err := c.GET("/old", stay)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusFound, resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	assert.Nil(t, c.Client.CheckRedirect)
}

type fakeSearcher struct {
	txs   []*ctypes.ResultTx
	query string
}

func (f *fakeSearcher) TxSearch(_ context.Context, query string, _ bool, _, _ *int, _ string) (*ctypes.ResultTxSearch, error) {
	f.query = query
	return &ctypes.ResultTxSearch{Txs: f.txs, TotalCount: len(f.txs)}, nil
}

func claimTx(preimage string) *ctypes.ResultTx {
	return &ctypes.ResultTx{TxResult: abcitypes.ExecTxResult{Events: []abcitypes.Event{{
		Type:       "htlc_claim",
		Attributes: []abcitypes.EventAttribute{{Key: "preimage", Value: preimage}},
	}}}}
}

func TestClaimWatcher(t *testing.T) {
	d := commitment.SHA256.Sum(secret)
	var wrong commitment.Preimage
	search := &fakeSearcher{txs: []*ctypes.ResultTx{claimTx(wrong.String()), claimTx(secret.String())}}
	w := newClaimWatcher(search, nil)

	p, ok, err := w.RevealedPreimage(context.Background(), d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, secret, p)
	assert.Equal(t, "htlc_claim.commitment='"+d.String()+"'", search.query)

	search.txs = []*ctypes.ResultTx{claimTx(wrong.String())}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = w.WaitForPreimage(ctx, d, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
