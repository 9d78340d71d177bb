// Package intent manages cross-chain deposit intents: a user escrows a
// deposit against a horse id, and a trusted executor later buys at least
// MinUnits on their behalf before the deadline, or the intent is refunded.
package intent

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Status string

const (
	StatusPending Status = "pending"
	// StatusDisbursing holds an intent whose deposit is committed to a
	// purchase while units or the refund are still owed to the depositor.
	StatusDisbursing Status = "disbursing"
	StatusExecuted   Status = "executed"
	StatusCancelled  Status = "cancelled"
)

type Intent struct {
	ID            common.Hash    `json:"id"`
	User          common.Address `json:"user"`
	TargetID      *big.Int       `json:"targetId"`
	Instrument    common.Address `json:"instrument"`
	Asset         common.Address `json:"asset"`
	DepositAmount *big.Int       `json:"depositAmount"`
	MinUnits      *big.Int       `json:"minUnits"`
	Deadline      time.Time      `json:"deadline"`
	CreatedAt     time.Time      `json:"createdAt"`
	Sequence      uint64         `json:"sequence"`
	Status        Status         `json:"status"`

	// Set once the purchase lands or the intent is cancelled.
	UnitsDelivered *big.Int  `json:"unitsDelivered,omitempty"`
	Cost           *big.Int  `json:"cost,omitempty"`
	Refund         *big.Int  `json:"refund,omitempty"`
	UnitsSent      bool      `json:"unitsSent,omitempty"`
	RefundSent     bool      `json:"refundSent,omitempty"`
	CompletedAt    time.Time `json:"completedAt,omitempty"`
}

// Completed is true once the deposit left the pending state; a disbursing
// intent can no longer be cancelled.
func (in *Intent) Completed() bool {
	return in.Status != StatusPending
}

func (in *Intent) Clone() *Intent {
	c := *in
	c.TargetID = cloneInt(in.TargetID)
	c.DepositAmount = cloneInt(in.DepositAmount)
	c.MinUnits = cloneInt(in.MinUnits)
	c.UnitsDelivered = cloneOptional(in.UnitsDelivered)
	c.Cost = cloneOptional(in.Cost)
	c.Refund = cloneOptional(in.Refund)
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cloneOptional(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// DeriveID hashes the depositor, target, amounts, deadline and sequence,
// each left-padded to 32 bytes except the 20-byte address.
func DeriveID(user common.Address, targetID, deposit, minUnits *big.Int, deadline time.Time, sequence uint64) common.Hash {
	return crypto.Keccak256Hash(
		user.Bytes(),
		word(targetID),
		word(deposit),
		word(minUnits),
		word(big.NewInt(deadline.Unix())),
		word(new(big.Int).SetUint64(sequence)),
	)
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

type CreateRequest struct {
	User          common.Address
	TargetID      *big.Int
	DepositAmount *big.Int
	MinUnits      *big.Int
	Deadline      time.Time
	// Value is the native currency sent along with the request.
	Value *big.Int
}
