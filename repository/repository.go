package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	"github.com/cometbft/cometbft/mempool"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgreSQL error codes as constants
const (
	// Class 23: Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 22: Data Exception
	PgErrNumericValueOutOfRange = "22003" // numeric_value_out_of_range

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40: Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback
)

// Repository error codes that are not Postgres codes.
const (
	CodeDatabaseError      = "DATABASE_ERROR"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeSerializationError = "SERIALIZATION_ERROR"
	CodeConsensusTimeout   = "CONSENSUS_TIMEOUT"
	CodeConsensusError     = "CONSENSUS_ERROR"
	CodeDuplicateTx        = "DUPLICATE_TX"
	CodeQueryError         = "QUERY_ERROR"
)

// ConsensusResult contains the result of a consensus operation
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
	Log         string
	Data        []byte
}

// QueryResult is the answer of an ABCI query.
type QueryResult struct {
	Code   uint32
	Log    string
	Value  []byte
	Height int64
}

// RepositoryError represent an error in the repository layer (db/rpc)
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// rpcClient is the part of the CometBFT local client the repository uses.
type rpcClient interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
}

type Repository struct {
	db        *gorm.DB
	rpcClient rpcClient
	logger    cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Repository{logger: logger.With("module", "repository")}
}

// ConnectDB opens the Postgres read model, retrying while the database starts.
func (r *Repository) ConnectDB(dsn string, attempts int) error {
	var lastErr error
	for i := range attempts {
		r.logger.Info("Connecting to Postgres", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			r.db = db
			r.logger.Info("Connected to Postgres")
			return nil
		}
		lastErr = err
		r.logger.Error("Postgres connection failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("connecting to postgres: %w", lastErr)
}

// Connected reports whether a read model database is attached.
func (r *Repository) Connected() bool {
	return r.db != nil
}

func (r *Repository) Migrate() error {
	if r.db == nil {
		return errors.New("database not connected")
	}
	if err := r.db.AutoMigrate(&models.Escrow{}); err != nil {
		return err
	}
	r.logger.Info("Database migration completed successfully")
	return nil
}

func (r *Repository) SetupRpcClient(client rpcClient) {
	r.rpcClient = client
}

// DB Operations

// EscrowModel converts a chain record into its indexed row.
func EscrowModel(rec *escrow.Record, height int64) models.Escrow {
	m := models.Escrow{
		Commitment:        rec.Commitment.String(),
		Creator:           string(rec.Creator),
		Beneficiary:       string(rec.Beneficiary),
		Token:             string(rec.Token),
		Amount:            "0",
		Deadline:          rec.Deadline,
		CounterpartyAddr:  rec.CounterpartyAddr.Hex(),
		CounterpartyToken: rec.CounterpartyToken,
		State:             rec.State.String(),
		CreatedAt:         rec.CreatedAt,
		FinalizedAt:       rec.FinalizedAt,
		Height:            height,
	}
	if rec.Amount != nil {
		m.Amount = rec.Amount.Dec()
	}
	if rec.CounterpartyAmount != nil {
		m.CounterpartyAmount = rec.CounterpartyAmount.Dec()
	}
	return m
}

// IndexEscrows upserts records committed at height into the read model.
func (r *Repository) IndexEscrows(ctx context.Context, records []*escrow.Record, height int64) error {
	if r.db == nil || len(records) == 0 {
		return nil
	}
	rows := make([]models.Escrow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, EscrowModel(rec, height))
	}

	dbTx := r.db.WithContext(ctx).Begin()
	err := dbTx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "commitment"}},
		UpdateAll: true,
	}).Create(&rows).Error
	if err != nil {
		dbTx.Rollback()
		return toRepositoryError(err)
	}
	if err := dbTx.Commit().Error; err != nil {
		return toRepositoryError(err)
	}
	return nil
}

// ListIndexedEscrows reads escrows in state from the read model, most urgent
// deadline first.
func (r *Repository) ListIndexedEscrows(ctx context.Context, state string, limit int) ([]models.Escrow, *RepositoryError) {
	if r.db == nil {
		return nil, &RepositoryError{
			Code:    CodeNotConnected,
			Message: "Read model is not configured",
		}
	}
	var rows []models.Escrow
	q := r.db.WithContext(ctx).Order("deadline asc")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, toRepositoryError(err)
	}
	return rows, nil
}

func toRepositoryError(err error) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    CodeDatabaseError,
		Message: "Database error occured",
		Detail:  err.Error(),
	}
}

// Chain Operations

// RunConsensus submits a transaction and waits until it is committed in a block.
func (r *Repository) RunConsensus(ctx context.Context, tx []byte) (*ConsensusResult, *RepositoryError) {
	if r.rpcClient == nil {
		return nil, &RepositoryError{Code: CodeNotConnected, Message: "RPC client is not configured"}
	}

	// Use a channel to detect both context deadline and RPC completion
	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, cmttypes.Tx(tx))
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &RepositoryError{
			Code:    CodeConsensusTimeout,
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case result := <-done:
		// The RPC layer flattens mempool errors into text.
		if result.err != nil && strings.Contains(result.err.Error(), mempool.ErrTxInCache.Error()) {
			return nil, &RepositoryError{
				Code:    CodeDuplicateTx,
				Message: "Transaction was already submitted",
				Detail:  result.err.Error(),
			}
		}
		if result.err != nil {
			return nil, &RepositoryError{
				Code:    CodeConsensusError,
				Message: "Failed to commit to blockchain",
				Detail:  result.err.Error(),
			}
		}

		if result.result.CheckTx.Code != 0 {
			return &ConsensusResult{
				TxHash: hex.EncodeToString(result.result.Hash),
				Code:   result.result.CheckTx.Code,
				Log:    result.result.CheckTx.Log,
			}, nil
		}

		return &ConsensusResult{
			TxHash:      hex.EncodeToString(result.result.Hash),
			BlockHeight: result.result.Height,
			Code:        result.result.TxResult.Code,
			Log:         result.result.TxResult.Log,
			Data:        result.result.TxResult.Data,
		}, nil
	}
}

// QueryState runs an ABCI query against the latest committed state.
func (r *Repository) QueryState(ctx context.Context, path string, data []byte) (*QueryResult, *RepositoryError) {
	if r.rpcClient == nil {
		return nil, &RepositoryError{Code: CodeNotConnected, Message: "RPC client is not configured"}
	}
	res, err := r.rpcClient.ABCIQuery(ctx, path, data)
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeQueryError,
			Message: "ABCI query failed",
			Detail:  err.Error(),
		}
	}
	return &QueryResult{
		Code:   res.Response.Code,
		Log:    res.Response.Log,
		Value:  res.Response.Value,
		Height: res.Response.Height,
	}, nil
}
