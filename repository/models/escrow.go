package models

import "time"

// Escrow is the indexed projection of an on-chain escrow record, kept for
// watchers and relayers that correlate the mirrored swap.
type Escrow struct {
	Commitment         string    `gorm:"column:commitment;primaryKey;type:char(64)" json:"commitment"`
	Creator            string    `gorm:"column:creator;type:varchar(64);index;not null" json:"creator"`
	Beneficiary        string    `gorm:"column:beneficiary;type:varchar(64);index;not null" json:"beneficiary"`
	Token              string    `gorm:"column:token;type:varchar(255);not null" json:"token"`
	Amount             string    `gorm:"column:amount;type:numeric(78,0);not null" json:"amount"`
	Deadline           uint64    `gorm:"column:deadline;index;not null" json:"deadline"`
	CounterpartyAddr   string    `gorm:"column:counterparty_addr;type:char(42)" json:"counterparty_addr"`
	CounterpartyToken  string    `gorm:"column:counterparty_token;type:varchar(255)" json:"counterparty_token"`
	CounterpartyAmount string    `gorm:"column:counterparty_amount;type:numeric(78,0)" json:"counterparty_amount"`
	State              string    `gorm:"column:state;type:varchar(20);index;not null" json:"state"`
	CreatedAt          uint64    `gorm:"column:created_at" json:"created_at"`
	FinalizedAt        uint64    `gorm:"column:finalized_at" json:"finalized_at"`
	Height             int64     `gorm:"column:height;index" json:"height"`
	IndexedAt          time.Time `gorm:"column:indexed_at;autoUpdateTime" json:"indexed_at"`
}
