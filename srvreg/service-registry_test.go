package srvreg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/repository"
	"github.com/ahmadzakiakmal/htlc-escrow/repository/models"
	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	submitted [][]byte
	result    *repository.ConsensusResult
	runErr    *repository.RepositoryError

	queryPath string
	queryData []byte
	query     *repository.QueryResult

	rows    []models.Escrow
	listErr *repository.RepositoryError
}

func (f *fakeChain) RunConsensus(_ context.Context, tx []byte) (*repository.ConsensusResult, *repository.RepositoryError) {
	f.submitted = append(f.submitted, tx)
	return f.result, f.runErr
}

func (f *fakeChain) QueryState(_ context.Context, path string, data []byte) (*repository.QueryResult, *repository.RepositoryError) {
	f.queryPath, f.queryData = path, data
	return f.query, nil
}

func (f *fakeChain) ListIndexedEscrows(_ context.Context, state string, _ int) ([]models.Escrow, *repository.RepositoryError) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Escrow
	for _, r := range f.rows {
		if state == "" || r.State == state {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestRegistry(chain *fakeChain) *ServiceRegistry {
	sr := NewServiceRegistry(chain, nil, time.Second)
	sr.RegisterDefaultServices()
	return sr
}

func do(t *testing.T, sr *ServiceRegistry, method, path, body string) *Response {
	t.Helper()
	httpReq := httptest.NewRequest(method, path, strings.NewReader(body))
	req, err := ConvertHttpRequestToConsensusRequest(httpReq, "test")
	require.NoError(t, err)
	resp, err := req.GenerateResponse(sr)
	require.NoError(t, err)
	return resp
}

var testDigest = func() commitment.Digest {
	var p commitment.Preimage
	p[0] = 0x42
	return commitment.SHA256.Sum(p)
}()

func TestMatchPath(t *testing.T) {
	assert.True(t, matchPath("/escrow/:commitment", "/escrow/ab"))
	assert.True(t, matchPath("/escrow/:commitment/claim", "/escrow/ab/claim"))
	assert.False(t, matchPath("/escrow/:commitment", "/escrow/"))
	assert.False(t, matchPath("/escrow/:commitment", "/escrow/ab/claim"))
	assert.False(t, matchPath("/escrow/:commitment/claim", "/escrow/ab/refund"))
}

func TestExactRouteWinsOverPattern(t *testing.T) {
	chain := &fakeChain{result: &repository.ConsensusResult{TxHash: "AA", BlockHeight: 3}}
	sr := newTestRegistry(chain)

	// "/escrow/create" also matches "/escrow/:commitment" for GET only
	resp := do(t, sr, http.MethodGet, "/escrow/create", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, sr, http.MethodDelete, "/escrow/create", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateEscrowHandler(t *testing.T) {
	key := ed25519.GenPrivKey()
	creator := PrincipalOf(key.PubKey())
	rec := &escrow.Record{
		Commitment:  testDigest,
		Creator:     creator,
		Beneficiary: "bob",
		Token:       "usdc",
		Amount:      uint256.NewInt(1_000),
		Deadline:    4_600,
		State:       escrow.StateFunded,
		CreatedAt:   1_000,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	chain := &fakeChain{result: &repository.ConsensusResult{TxHash: "AB12", BlockHeight: 7, Data: data}}
	sr := newTestRegistry(chain)

	tx, err := NewSignedTransaction(key, TxCreate, createBody(creator))
	require.NoError(t, err)
	raw, err := tx.SerializeToBytes()
	require.NoError(t, err)

	resp := do(t, sr, http.MethodPost, "/escrow/create", string(raw))
	require.Equal(t, http.StatusCreated, resp.StatusCode, resp.Body)
	require.Len(t, chain.submitted, 1)

	var out TxResult
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	assert.Equal(t, "AB12", out.TxHash)
	assert.Equal(t, int64(7), out.Height)
	require.NotNil(t, out.Escrow)
	assert.Equal(t, escrow.StateFunded, out.Escrow.State)
	assert.Equal(t, testDigest, out.Escrow.Commitment)
}

func TestCreateEscrowHandlerRejectsWrongType(t *testing.T) {
	chain := &fakeChain{}
	sr := newTestRegistry(chain)

	tx, err := NewTransaction(TxRefund, RefundBody{Commitment: testDigest})
	require.NoError(t, err)
	raw, err := tx.SerializeToBytes()
	require.NoError(t, err)

	resp := do(t, sr, http.MethodPost, "/escrow/create", string(raw))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, chain.submitted)
}

func TestClaimEscrowHandlerBuildsClaim(t *testing.T) {
	chain := &fakeChain{result: &repository.ConsensusResult{TxHash: "CC", BlockHeight: 9}}
	sr := newTestRegistry(chain)

	var p commitment.Preimage
	p[0] = 0x42
	resp := do(t, sr, http.MethodPost, "/escrow/"+testDigest.String()+"/claim",
		`{"preimage":"`+p.String()+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	require.Len(t, chain.submitted, 1)

	tx, err := DecodeTransaction(chain.submitted[0])
	require.NoError(t, err)
	assert.Equal(t, TxClaim, tx.Type)
	body, err := tx.DecodeBody()
	require.NoError(t, err)
	claim := body.(*ClaimBody)
	assert.Equal(t, testDigest, claim.Commitment)
	assert.Equal(t, p, claim.Preimage)
}

func TestRejectedTransitionsMapToStatus(t *testing.T) {
	tests := []struct {
		kind   escrow.ErrorKind
		status int
	}{
		{escrow.KindBadPreimage, http.StatusUnprocessableEntity},
		{escrow.KindExpired, http.StatusPreconditionFailed},
		{escrow.KindNotYetExpired, http.StatusPreconditionFailed},
		{escrow.KindAlreadyFinalized, http.StatusConflict},
		{escrow.KindNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			chain := &fakeChain{result: &repository.ConsensusResult{TxHash: "DD", Code: tt.kind.Code(), Log: string(tt.kind)}}
			sr := newTestRegistry(chain)
			resp := do(t, sr, http.MethodPost, "/escrow/"+testDigest.String()+"/refund", "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, resp.Body, string(tt.kind))
		})
	}
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusForCode(CodeMalformedTx))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForCode(CodeBlockFull))
	assert.Equal(t, http.StatusForbidden, StatusForCode(escrow.KindUnauthorized.Code()))
	assert.Equal(t, http.StatusPaymentRequired, StatusForCode(escrow.KindTokenTransferFailed.Code()))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusForCode(escrow.KindInvalidAmount.Code()))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(999))
}

func TestConsensusTimeoutIsGatewayTimeout(t *testing.T) {
	chain := &fakeChain{runErr: &repository.RepositoryError{Code: repository.CodeConsensusTimeout, Message: "timed out"}}
	sr := newTestRegistry(chain)
	resp := do(t, sr, http.MethodPost, "/escrow/"+testDigest.String()+"/refund", "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestDuplicateSubmissionIsConflict(t *testing.T) {
	chain := &fakeChain{runErr: &repository.RepositoryError{Code: repository.CodeDuplicateTx, Message: "Transaction was already submitted"}}
	sr := newTestRegistry(chain)
	resp := do(t, sr, http.MethodPost, "/escrow/"+testDigest.String()+"/refund", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRepeatedRequestsSubmitDistinctTransactions(t *testing.T) {
	chain := &fakeChain{result: &repository.ConsensusResult{TxHash: "CC", BlockHeight: 9}}
	sr := newTestRegistry(chain)

	var p commitment.Preimage
	p[0] = 0x42
	claimPath := "/escrow/" + testDigest.String() + "/claim"
	claimBody := `{"preimage":"` + p.String() + `"}`
	refundPath := "/escrow/" + testDigest.String() + "/refund"

	for _, call := range []struct{ path, body string }{
		{claimPath, claimBody},
		{claimPath, claimBody},
		{refundPath, ""},
		{refundPath, ""},
	} {
		resp := do(t, sr, http.MethodPost, call.path, call.body)
		require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	}
	require.Len(t, chain.submitted, 4)
	assert.NotEqual(t, chain.submitted[0], chain.submitted[1])
	assert.NotEqual(t, chain.submitted[2], chain.submitted[3])

	first, err := DecodeTransaction(chain.submitted[0])
	require.NoError(t, err)
	second, err := DecodeTransaction(chain.submitted[1])
	require.NoError(t, err)
	assert.Equal(t, first.Body, second.Body)
	assert.NotEmpty(t, first.Nonce)
}

func TestInvalidCommitmentInPath(t *testing.T) {
	chain := &fakeChain{}
	sr := newTestRegistry(chain)
	resp := do(t, sr, http.MethodPost, "/escrow/nothex/refund", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, chain.submitted)
}

func TestQueryHandlers(t *testing.T) {
	chain := &fakeChain{query: &repository.QueryResult{Value: []byte(`{"amount":"5"}`)}}
	sr := newTestRegistry(chain)

	resp := do(t, sr, http.MethodGet, "/escrow/"+testDigest.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, QueryEscrow, chain.queryPath)
	assert.Equal(t, testDigest[:], chain.queryData)

	resp = do(t, sr, http.MethodGet, "/balance/usdc/alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, QueryBalance, chain.queryPath)
	var bq BalanceQuery
	require.NoError(t, json.Unmarshal(chain.queryData, &bq))
	assert.Equal(t, BalanceQuery{Token: "usdc", Owner: "alice"}, bq)

	resp = do(t, sr, http.MethodGet, "/custody/usdc", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, QueryCustody, chain.queryPath)
	assert.Equal(t, []byte("usdc"), chain.queryData)

	resp = do(t, sr, http.MethodGet, "/escrows/funded", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, QueryEscrows, chain.queryPath)

	resp = do(t, sr, http.MethodGet, "/escrows/pending", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryNotFound(t *testing.T) {
	chain := &fakeChain{query: &repository.QueryResult{Code: escrow.KindNotFound.Code(), Log: "escrow not found"}}
	sr := newTestRegistry(chain)
	resp := do(t, sr, http.MethodGet, "/escrow/"+testDigest.String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIndexedEscrowsHandler(t *testing.T) {
	chain := &fakeChain{rows: []models.Escrow{
		{Commitment: "aa", State: "funded"},
		{Commitment: "bb", State: "claimed"},
	}}
	sr := newTestRegistry(chain)

	resp := do(t, sr, http.MethodGet, "/indexed/escrows/claimed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []models.Escrow
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "bb", rows[0].Commitment)

	resp = do(t, sr, http.MethodGet, "/indexed/escrows/all", "")
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &rows))
	assert.Len(t, rows, 2)

	chain.listErr = &repository.RepositoryError{Code: repository.CodeNotConnected, Message: "Read model is not configured"}
	resp = do(t, sr, http.MethodGet, "/indexed/escrows/all", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
