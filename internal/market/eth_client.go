package market

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"powerhorse/internal/contracts"
)

// EthClient talks to the deployed bonding curve, factory and ERC-20 tokens.
// Every write is sent from the service account and waits for its receipt.
type EthClient struct {
	client    *ethclient.Client
	curve     *bind.BoundContract
	factory   *bind.BoundContract
	curveAddr common.Address
	erc20     abi.ABI
	account   common.Address
	transacts *bind.TransactOpts
	timeout   time.Duration

	// one in-flight transaction at a time keeps nonces ordered
	txMu sync.Mutex
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	BondingCurve  string
	Factory       string
	TxTimeout     time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.BondingCurve) {
		return nil, fmt.Errorf("bonding curve address is required")
	}
	if !common.IsHexAddress(cfg.Factory) {
		return nil, fmt.Errorf("factory address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for purchases and transfers")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	curveABI, err := abi.JSON(strings.NewReader(contracts.BondingCurveABI))
	if err != nil {
		return nil, fmt.Errorf("parse curve abi: %w", err)
	}
	factoryABI, err := abi.JSON(strings.NewReader(contracts.FactoryABI))
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	curveAddr := common.HexToAddress(cfg.BondingCurve)
	factoryAddr := common.HexToAddress(cfg.Factory)
	return &EthClient{
		client:    cli,
		curve:     bind.NewBoundContract(curveAddr, curveABI, cli, cli, cli),
		factory:   bind.NewBoundContract(factoryAddr, factoryABI, cli, cli, cli),
		curveAddr: curveAddr,
		erc20:     erc20ABI,
		account:   crypto.PubkeyToAddress(pk.PublicKey),
		transacts: txOpts,
		timeout:   timeout,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Account is the address holding escrowed funds.
func (c *EthClient) Account() common.Address { return c.account }

func (c *EthClient) QuoteCost(ctx context.Context, instrument common.Address, quantity *big.Int) (Quote, error) {
	var out []interface{}
	if err := c.curve.Call(&bind.CallOpts{Context: ctx}, &out, "getBuyPrice", instrument, quantity); err != nil {
		return Quote{}, fmt.Errorf("getBuyPrice: %w", err)
	}
	if len(out) != 2 {
		return Quote{}, fmt.Errorf("getBuyPrice: unexpected outputs %d", len(out))
	}
	return Quote{
		Base: abi.ConvertType(out[0], new(big.Int)).(*big.Int),
		Fee:  abi.ConvertType(out[1], new(big.Int)).(*big.Int),
	}, nil
}

func (c *EthClient) IsTerminal(ctx context.Context, instrument common.Address) (bool, error) {
	var out []interface{}
	if err := c.curve.Call(&bind.CallOpts{Context: ctx}, &out, "isGraduated", instrument); err != nil {
		return false, fmt.Errorf("isGraduated: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *EthClient) UnitPrice(ctx context.Context, instrument common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.curve.Call(&bind.CallOpts{Context: ctx}, &out, "getCurrentPrice", instrument); err != nil {
		return nil, fmt.Errorf("getCurrentPrice: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Purchase buys from the curve and reports the units that landed in the
// service account.
func (c *EthClient) Purchase(ctx context.Context, order PurchaseOrder) (Fill, error) {
	quote, err := c.QuoteCost(ctx, order.Instrument, order.Quantity)
	if err != nil {
		return Fill{}, err
	}
	cost := quote.Total()
	if order.MaxCost != nil && cost.Cmp(order.MaxCost) > 0 {
		return Fill{}, ErrMaxCostExceeded
	}
	before, err := c.tokenBalance(ctx, order.Instrument, c.account)
	if err != nil {
		return Fill{}, err
	}

	deadline := big.NewInt(order.Deadline.Unix())
	if order.Medium == Native {
		if err := c.send(ctx, c.curve, cost, "buy", order.Instrument, order.Quantity, order.MaxCost, deadline); err != nil {
			return Fill{}, fmt.Errorf("buy tx: %w", err)
		}
	} else {
		if err := c.send(ctx, c.token(order.Medium), nil, "approve", c.curveAddr, order.MaxCost); err != nil {
			return Fill{}, fmt.Errorf("approve tx: %w", err)
		}
		if err := c.send(ctx, c.curve, nil, "buyWithToken", order.Instrument, order.Medium, order.Quantity, order.MaxCost, deadline); err != nil {
			return Fill{}, fmt.Errorf("buyWithToken tx: %w", err)
		}
	}

	after, err := c.tokenBalance(ctx, order.Instrument, c.account)
	if err != nil {
		return Fill{}, err
	}
	return Fill{Units: new(big.Int).Sub(after, before), Cost: cost}, nil
}

func (c *EthClient) Resolve(ctx context.Context, id *big.Int) (common.Address, error) {
	var out []interface{}
	if err := c.factory.Call(&bind.CallOpts{Context: ctx}, &out, "getHorseToken", id); err != nil {
		return common.Address{}, fmt.Errorf("getHorseToken: %w", err)
	}
	addr := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if addr == (common.Address{}) {
		return common.Address{}, ErrUnknownInstrument
	}
	return addr, nil
}

func (c *EthClient) IsRegistered(ctx context.Context, id *big.Int) (bool, error) {
	var out []interface{}
	if err := c.factory.Call(&bind.CallOpts{Context: ctx}, &out, "isValidHorse", id); err != nil {
		return false, fmt.Errorf("isValidHorse: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Collect pulls approved tokens from the user. Native deposits are refused:
// the service account's balance says nothing about who paid, so escrow must
// be held in a token the depositor approved.
func (c *EthClient) Collect(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	if asset == Native {
		return ErrNativeDepositUnsupported
	}
	if err := c.send(ctx, c.token(asset), nil, "transferFrom", from, c.account, amount); err != nil {
		return fmt.Errorf("transferFrom tx: %w", err)
	}
	return nil
}

func (c *EthClient) Disburse(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if asset == Native {
		recipient := bind.NewBoundContract(to, abi.ABI{}, c.client, c.client, c.client)
		c.txMu.Lock()
		defer c.txMu.Unlock()
		opts := *c.transacts
		opts.Context = ctx
		opts.Value = amount
		tx, err := recipient.RawTransact(&opts, nil)
		if err != nil {
			return fmt.Errorf("native transfer: %w", err)
		}
		return c.awaitSuccess(ctx, tx)
	}
	if err := c.send(ctx, c.token(asset), nil, "transfer", to, amount); err != nil {
		return fmt.Errorf("transfer tx: %w", err)
	}
	return nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) token(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, c.erc20, c.client, c.client, c.client)
}

func (c *EthClient) tokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *EthClient) send(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, params ...interface{}) error {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	opts := *c.transacts
	opts.Context = ctx
	opts.Value = value

	tx, err := contract.Transact(&opts, method, params...)
	if err != nil {
		return err
	}
	return c.awaitSuccess(ctx, tx)
}

func (c *EthClient) awaitSuccess(ctx context.Context, tx *types.Transaction) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.client, tx)
	if err != nil {
		return fmt.Errorf("wait %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	_ PricingSource = (*EthClient)(nil)
	_ Registry      = (*EthClient)(nil)
	_ Treasury      = (*EthClient)(nil)
	_ HealthChecker = (*EthClient)(nil)
)
