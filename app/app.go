package app

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/repository"
	"github.com/ahmadzakiakmal/htlc-escrow/srvreg"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Result codes that are not escrow error kinds.
const (
	CodeOK       uint32 = 0
	CodeInternal uint32 = 2
)

const indexTimeout = 10 * time.Second

var (
	lastBlockHeightKey  = []byte("last_block_height")
	lastBlockAppHashKey = []byte("last_block_app_hash")
)

// Indexer receives the records touched by each committed block.
type Indexer interface {
	IndexEscrows(ctx context.Context, records []*escrow.Record, height int64) error
}

// Application implements the ABCI interface for the nodes
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger

	params Params
	engine *escrow.Engine

	indexer       Indexer
	pending       []*escrow.Record
	pendingHeight int64

	committedHeight atomic.Int64
}

var _ abcitypes.Application = (*Application)(nil)

// AppConfig contains configuration for the application
type AppConfig struct {
	LogAllTxs bool // Whether to log all transactions, even failed ones
}

// NewABCIApplication creates the escrow application. indexer may be nil.
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger, indexer Indexer) (*Application, error) {
	if config == nil {
		config = &AppConfig{}
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	app := &Application{
		badgerDB: badgerDB,
		config:   config,
		logger:   logger.With("module", "app"),
		indexer:  indexer,
	}

	var params Params
	var height int64
	err := badgerDB.View(func(txn *badger.Txn) error {
		kv := repository.NewTxnKV(txn)
		var err error
		if params, err = loadParams(kv); err != nil {
			return err
		}
		raw, err := kv.Get(lastBlockHeightKey)
		if err == nil {
			height = bytesToInt64(raw)
		} else if !errors.Is(err, repository.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading application state: %w", err)
	}
	if err := app.setParams(params); err != nil {
		return nil, err
	}
	app.committedHeight.Store(height)
	return app, nil
}

func (app *Application) setParams(p Params) error {
	hasher, err := commitment.HasherByName(p.Digest)
	if err != nil {
		return err
	}
	app.params = p
	app.engine = escrow.NewEngine(hasher, app.logger)
	return nil
}

// Params returns the consensus parameters in effect.
func (app *Application) Params() Params {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.params
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		kv := repository.NewTxnKV(txn)
		raw, err := kv.Get(lastBlockHeightKey)
		if err != nil {
			if errors.Is(err, repository.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		lastBlockHeight = bytesToInt64(raw)

		lastBlockAppHash, err = kv.Get(lastBlockAppHashKey)
		if err != nil && !errors.Is(err, repository.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	var resp *abcitypes.QueryResponse
	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		switch req.Path {
		case srvreg.QueryEscrow:
			resp, err = app.queryEscrow(txn, req.Data)
		case srvreg.QueryEscrows:
			resp, err = app.queryEscrows(txn, req.Data)
		case srvreg.QueryBalance:
			resp, err = app.queryBalance(txn, req.Data)
		case srvreg.QueryCustody:
			resp, err = app.queryCustody(txn, req.Data)
		default:
			resp = badQuery(fmt.Sprintf("unknown query path %q", req.Path))
		}
		return err
	})
	if dbErr != nil {
		app.logger.Error("Error reading database, unable to execute query", "path", req.Path, "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeInternal,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}
	resp.Key = req.Data
	resp.Height = app.committedHeight.Load()
	return resp, nil
}

func (app *Application) queryEscrow(txn *badger.Txn, data []byte) (*abcitypes.QueryResponse, error) {
	var c commitment.Digest
	if len(data) == commitment.Size {
		copy(c[:], data)
	} else {
		var err error
		if c, err = commitment.ParseDigest(string(data)); err != nil {
			return badQuery(err.Error()), nil
		}
	}
	rec, err := repository.NewEscrowStore(repository.NewTxnKV(txn)).Get(c)
	if errors.Is(err, escrow.ErrNotFound) {
		return &abcitypes.QueryResponse{Code: escrow.KindNotFound.Code(), Log: "escrow not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	return valueResponse(rec)
}

func (app *Application) queryEscrows(txn *badger.Txn, data []byte) (*abcitypes.QueryResponse, error) {
	var state escrow.State
	if s := string(data); s != "" && s != "all" {
		var err error
		if state, err = escrow.ParseState(s); err != nil {
			return badQuery(err.Error()), nil
		}
	}
	records, err := repository.ListEscrows(txn, state, 0)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*escrow.Record{}
	}
	return valueResponse(records)
}

func (app *Application) queryBalance(txn *badger.Txn, data []byte) (*abcitypes.QueryResponse, error) {
	var q srvreg.BalanceQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return badQuery("invalid balance query: " + err.Error()), nil
	}
	if q.Token == "" || q.Owner == "" {
		return badQuery("token and owner are required"), nil
	}
	return app.balanceResponse(txn, q.Token, q.Owner)
}

func (app *Application) queryCustody(txn *badger.Txn, data []byte) (*abcitypes.QueryResponse, error) {
	if len(data) == 0 {
		return badQuery("token is required"), nil
	}
	return app.balanceResponse(txn, escrow.Token(data), app.Params().CustodyAccount)
}

func (app *Application) balanceResponse(txn *badger.Txn, token escrow.Token, owner escrow.Principal) (*abcitypes.QueryResponse, error) {
	bal, err := repository.NewLedger(repository.NewTxnKV(txn)).BalanceOf(token, owner)
	if err != nil {
		return nil, err
	}
	return valueResponse(srvreg.BalanceResult{Token: token, Owner: owner, Amount: bal.Dec()})
}

func valueResponse(v any) (*abcitypes.QueryResponse, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &abcitypes.QueryResponse{Code: CodeOK, Log: "exists", Value: raw}, nil
}

func badQuery(msg string) *abcitypes.QueryResponse {
	return &abcitypes.QueryResponse{Code: srvreg.CodeMalformedTx, Log: msg}
}

// CheckTx implements the ABCI CheckTx method. Only stateless checks run here;
// state-dependent failures surface when the block executes.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	tx, err := srvreg.DecodeTransaction(check.Tx)
	if err != nil {
		return &abcitypes.CheckTxResponse{Code: srvreg.CodeMalformedTx, Log: err.Error()}, nil
	}
	if tx.Type == srvreg.TxCreate {
		body, _ := tx.DecodeBody()
		p := body.(*srvreg.CreateBody).Params()
		signer, ok := tx.Signer()
		switch {
		case !ok || signer != p.Creator:
			return checkRejected(escrow.KindUnauthorized, "create must be signed by the creator"), nil
		case p.Amount == nil || p.Amount.IsZero():
			return checkRejected(escrow.KindInvalidAmount, "amount must be positive"), nil
		case p.LockDuration == 0:
			return checkRejected(escrow.KindInvalidDeadline, "lock duration must be positive"), nil
		}
	}
	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

func checkRejected(kind escrow.ErrorKind, msg string) *abcitypes.CheckTxResponse {
	return &abcitypes.CheckTxResponse{Code: kind.Code(), Log: fmt.Sprintf("%s: %s", kind, msg)}
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	gs, err := ParseGenesis(chain.AppStateBytes)
	if err != nil {
		return nil, err
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	err = app.badgerDB.Update(func(txn *badger.Txn) error {
		return gs.Apply(repository.NewTxnKV(txn))
	})
	if err != nil {
		return nil, fmt.Errorf("applying genesis: %w", err)
	}
	if err := app.setParams(gs.Params()); err != nil {
		return nil, err
	}
	app.logger.Info("Genesis applied",
		"chain_id", chain.ChainId,
		"digest", gs.Digest,
		"custody", gs.CustodyAccount,
		"balances", len(gs.Balances),
	)
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	txs := make([][]byte, 0, len(proposal.Txs))
	var size int64
	for _, raw := range proposal.Txs {
		if _, err := srvreg.DecodeTransaction(raw); err != nil {
			continue
		}
		if proposal.MaxTxBytes > 0 && size+int64(len(raw)) > proposal.MaxTxBytes {
			break
		}
		size += int64(len(raw))
		txs = append(txs, raw)
	}
	return &abcitypes.PrepareProposalResponse{Txs: txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, raw := range proposal.Txs {
		if _, err := srvreg.DecodeTransaction(raw); err != nil {
			app.logger.Info("Voted invalid", "height", proposal.Height, "err", err)
			return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Each transaction
// runs in its own overlay; only successful transitions reach the block.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)
	app.pending = app.pending[:0]
	app.pendingHeight = req.Height

	blockKV := repository.NewBlockKV(app.onGoingBlock, app.badgerDB.Opts())
	now := blockTime(req.Time)

	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))
	for i, raw := range req.Txs {
		result, rec := app.executeTx(blockKV, raw, now)
		txResults[i] = result
		if rec != nil {
			app.pending = append(app.pending, rec)
		}
		if result.Code != CodeOK && app.config.LogAllTxs {
			app.logger.Info("Transaction rejected", "height", req.Height, "index", i, "code", result.Code, "log", result.Log)
		}
	}

	appHash := calculateAppHash(txResults)
	if err := blockKV.Set(lastBlockHeightKey, int64ToBytes(req.Height)); err != nil {
		return nil, fmt.Errorf("storing block height: %w", err)
	}
	if err := blockKV.Set(lastBlockAppHashKey, appHash); err != nil {
		return nil, fmt.Errorf("storing app hash: %w", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// executeTx runs one transaction. The returned record is non-nil when the
// transition succeeded.
func (app *Application) executeTx(blockKV repository.KV, raw []byte, now uint64) (*abcitypes.ExecTxResult, *escrow.Record) {
	tx, err := srvreg.DecodeTransaction(raw)
	if err != nil {
		return &abcitypes.ExecTxResult{Code: srvreg.CodeMalformedTx, Log: err.Error()}, nil
	}
	body, _ := tx.DecodeBody()

	overlay := repository.NewOverlay(blockKV)
	signer, signed := tx.Signer()
	host := newTxHost(overlay, signer, signed, now, app.params.CustodyAccount)

	var (
		rec    *escrow.Record
		events []abcitypes.Event
	)
	switch b := body.(type) {
	case *srvreg.CreateBody:
		if rec, err = app.engine.Create(host, b.Params()); err == nil {
			events = []abcitypes.Event{createEvent(rec)}
		}
	case *srvreg.ClaimBody:
		if rec, err = app.engine.Claim(host, b.Commitment, b.Preimage); err == nil {
			events = []abcitypes.Event{claimEvent(rec, b.Preimage)}
		}
	case *srvreg.RefundBody:
		if rec, err = app.engine.Refund(host, b.Commitment); err == nil {
			events = []abcitypes.Event{refundEvent(rec)}
		}
	}
	if err != nil {
		return rejected(err), nil
	}

	if err := overlay.Flush(); err != nil {
		if errors.Is(err, repository.ErrBlockFull) {
			app.logger.Info("Block write budget exhausted", "type", tx.Type)
			return &abcitypes.ExecTxResult{Code: srvreg.CodeBlockFull, Log: err.Error()}, nil
		}
		app.logger.Error("Error writing transaction", "type", tx.Type, "err", err)
		return &abcitypes.ExecTxResult{Code: CodeInternal, Log: "state write failed"}, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &abcitypes.ExecTxResult{Code: CodeInternal, Log: err.Error()}, nil
	}
	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Data:   data,
		Log:    rec.State.String(),
		Events: events,
	}, rec
}

func rejected(err error) *abcitypes.ExecTxResult {
	kind := escrow.KindOf(err)
	if kind == "" {
		return &abcitypes.ExecTxResult{Code: CodeInternal, Log: err.Error()}
	}
	return &abcitypes.ExecTxResult{Code: kind.Code(), Log: err.Error()}
}

func createEvent(rec *escrow.Record) abcitypes.Event {
	attrs := []abcitypes.EventAttribute{
		{Key: "commitment", Value: rec.Commitment.String(), Index: true},
		{Key: "creator", Value: string(rec.Creator), Index: true},
		{Key: "beneficiary", Value: string(rec.Beneficiary), Index: true},
		{Key: "token", Value: string(rec.Token), Index: true},
		{Key: "amount", Value: rec.Amount.Dec()},
		{Key: "deadline", Value: fmt.Sprint(rec.Deadline)},
		{Key: "counterparty_addr", Value: rec.CounterpartyAddr.Hex(), Index: true},
		{Key: "counterparty_token", Value: rec.CounterpartyToken},
	}
	if rec.CounterpartyAmount != nil {
		attrs = append(attrs, abcitypes.EventAttribute{Key: "counterparty_amount", Value: rec.CounterpartyAmount.Dec()})
	}
	return abcitypes.Event{Type: "htlc_create", Attributes: attrs}
}

// claimEvent publishes the preimage so the counterparty can claim the
// mirrored escrow on the other chain.
func claimEvent(rec *escrow.Record, preimage commitment.Preimage) abcitypes.Event {
	return abcitypes.Event{
		Type: "htlc_claim",
		Attributes: []abcitypes.EventAttribute{
			{Key: "commitment", Value: rec.Commitment.String(), Index: true},
			{Key: "beneficiary", Value: string(rec.Beneficiary), Index: true},
			{Key: "preimage", Value: preimage.String()},
		},
	}
}

func refundEvent(rec *escrow.Record) abcitypes.Event {
	return abcitypes.Event{
		Type: "htlc_refund",
		Attributes: []abcitypes.EventAttribute{
			{Key: "commitment", Value: rec.Commitment.String(), Index: true},
			{Key: "creator", Value: string(rec.Creator), Index: true},
		},
	}
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	if err := app.onGoingBlock.Commit(); err != nil {
		app.onGoingBlock = nil
		return nil, fmt.Errorf("committing block %d: %w", app.pendingHeight, err)
	}
	app.onGoingBlock = nil
	app.committedHeight.Store(app.pendingHeight)

	if app.indexer != nil && len(app.pending) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		err := app.indexer.IndexEscrows(ctx, app.pending, app.pendingHeight)
		cancel()
		if err != nil {
			// The read model lags; chain state is already committed.
			app.logger.Error("Error indexing escrows", "height", app.pendingHeight, "err", err)
		}
	}
	app.pending = nil

	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper Functions

// blockTime is the block header time in whole seconds.
func blockTime(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

// calculateAppHash hashes every result code and data in block order.
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	h := sha256.New()
	var code [4]byte
	for _, result := range txResults {
		binary.BigEndian.PutUint32(code[:], result.Code)
		h.Write(code[:])
		h.Write(result.Data)
	}
	return h.Sum(nil)
}

func int64ToBytes(i int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(i))
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
