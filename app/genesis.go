package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/repository"
	"github.com/holiman/uint256"
)

// DefaultCustodyAccount holds escrowed funds when genesis names no account.
// It is not a key address, so nobody can sign for it.
const DefaultCustodyAccount escrow.Principal = "htlc-custody"

var paramsKey = []byte("params")

// Params are the consensus parameters fixed at genesis.
type Params struct {
	Digest         string           `json:"digest"`
	CustodyAccount escrow.Principal `json:"custody_account"`
}

// GenesisBalance is an initial ledger balance.
type GenesisBalance struct {
	Token  escrow.Token     `json:"token"`
	Owner  escrow.Principal `json:"owner"`
	Amount *uint256.Int     `json:"amount"`
}

// GenesisState is the app_state of the genesis document.
type GenesisState struct {
	Digest         string           `json:"digest"`
	CustodyAccount escrow.Principal `json:"custody_account"`
	Balances       []GenesisBalance `json:"balances"`
}

// DefaultParams uses sha256 and the default custody account.
func DefaultParams() Params {
	return Params{Digest: commitment.NameSHA256, CustodyAccount: DefaultCustodyAccount}
}

// ParseGenesis decodes and validates app_state. Empty input yields defaults.
func ParseGenesis(raw []byte) (*GenesisState, error) {
	gs := &GenesisState{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, gs); err != nil {
			return nil, fmt.Errorf("invalid app_state: %w", err)
		}
	}
	if gs.Digest == "" {
		gs.Digest = commitment.NameSHA256
	}
	if gs.CustodyAccount == "" {
		gs.CustodyAccount = DefaultCustodyAccount
	}
	if _, err := commitment.HasherByName(gs.Digest); err != nil {
		return nil, err
	}
	for i, b := range gs.Balances {
		switch {
		case b.Owner == "":
			return nil, fmt.Errorf("balance %d: owner is required", i)
		case b.Owner == gs.CustodyAccount:
			return nil, fmt.Errorf("balance %d: custody account cannot hold a genesis balance", i)
		case b.Token == "":
			return nil, fmt.Errorf("balance %d: token is required", i)
		case b.Amount == nil:
			return nil, fmt.Errorf("balance %d: amount is required", i)
		}
	}
	return gs, nil
}

// Params returns the consensus parameters of the genesis state.
func (gs *GenesisState) Params() Params {
	return Params{Digest: gs.Digest, CustodyAccount: gs.CustodyAccount}
}

// Apply persists params and mints the initial balances.
func (gs *GenesisState) Apply(kv repository.KV) error {
	raw, err := json.Marshal(gs.Params())
	if err != nil {
		return err
	}
	if err := kv.Set(paramsKey, raw); err != nil {
		return err
	}
	ledger := repository.NewLedger(kv)
	for _, b := range gs.Balances {
		if err := ledger.Mint(b.Token, b.Owner, b.Amount); err != nil {
			return fmt.Errorf("minting %s to %s: %w", b.Token, b.Owner, err)
		}
	}
	return nil
}

func loadParams(kv repository.KV) (Params, error) {
	raw, err := kv.Get(paramsKey)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return DefaultParams(), nil
	}
	if err != nil {
		return Params{}, err
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, fmt.Errorf("decoding params: %w", err)
	}
	return p, nil
}
