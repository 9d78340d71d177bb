package market

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestEthClientRefusesNativeDeposits(t *testing.T) {
	// no RPC client: the refusal must come before any chain read
	c := &EthClient{account: common.HexToAddress("0xacc")}
	err := c.Collect(context.Background(), Native, common.HexToAddress("0xa11ce"), big.NewInt(1000))
	if !errors.Is(err, ErrNativeDepositUnsupported) {
		t.Fatalf("expected native deposits to be refused, got %v", err)
	}
}
