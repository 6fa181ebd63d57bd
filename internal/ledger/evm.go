package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const escrowABIJSON = `[
 {"anonymous":false,"inputs":[
   {"indexed":true,"internalType":"uint256","name":"escrowId","type":"uint256"},
   {"indexed":true,"internalType":"address","name":"buyer","type":"address"},
   {"indexed":true,"internalType":"address","name":"seller","type":"address"},
   {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],
  "name":"EscrowCreated","type":"event"},
 {"inputs":[
   {"internalType":"address","name":"seller","type":"address"},
   {"internalType":"address","name":"arbiter","type":"address"},
   {"internalType":"uint256","name":"amount","type":"uint256"},
   {"internalType":"bytes32","name":"taskHash","type":"bytes32"}],
  "name":"createEscrow","outputs":[{"internalType":"uint256","name":"escrowId","type":"uint256"}],
  "stateMutability":"nonpayable","type":"function"},
 {"inputs":[
   {"internalType":"uint256","name":"escrowId","type":"uint256"},
   {"internalType":"uint8","name":"score","type":"uint8"}],
  "name":"resolveApprove","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[
   {"internalType":"uint256","name":"escrowId","type":"uint256"},
   {"internalType":"uint8","name":"score","type":"uint8"}],
  "name":"resolveRefund","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[
   {"internalType":"uint256","name":"escrowId","type":"uint256"},
   {"internalType":"uint8","name":"percentToSeller","type":"uint8"},
   {"internalType":"uint8","name":"score","type":"uint8"}],
  "name":"resolvePartial","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[],"name":"usdcToken","outputs":[{"internalType":"contract IERC20","name":"","type":"address"}],
  "stateMutability":"view","type":"function"}
]`

const tokenABIJSON = `[
 {"inputs":[
   {"internalType":"address","name":"spender","type":"address"},
   {"internalType":"uint256","name":"amount","type":"uint256"}],
  "name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],
  "stateMutability":"nonpayable","type":"function"},
 {"inputs":[
   {"internalType":"address","name":"owner","type":"address"},
   {"internalType":"address","name":"spender","type":"address"}],
  "name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
  "stateMutability":"view","type":"function"}
]`

type EVMConfig struct {
	RPCURL        string
	EscrowAddress string
	TokenAddress  string
	PrivateKey    string
	ChainID       int64
}

// EVM implements Chain against an escrow contract on an EVM network.
type EVM struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	escrowAddr common.Address
	escrow     *bind.BoundContract
	token      *bind.BoundContract
}

func DialEVM(ctx context.Context, cfg EVMConfig) (*EVM, error) {
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("ledger: bad escrow address %q", cfg.EscrowAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: private key: %w", err)
	}
	escrowABI, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, err
	}
	tokenABI, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", cfg.RPCURL, err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID <= 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("ledger: chain id: %w", err)
		}
	}

	e := &EVM{
		client:     client,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		escrowAddr: common.HexToAddress(cfg.EscrowAddress),
	}
	e.escrow = bind.NewBoundContract(e.escrowAddr, escrowABI, client, client, client)

	tokenAddr := common.HexToAddress(cfg.TokenAddress)
	if !common.IsHexAddress(cfg.TokenAddress) {
		var out []interface{}
		if err := e.escrow.Call(&bind.CallOpts{Context: ctx, From: e.from}, &out, "usdcToken"); err != nil {
			client.Close()
			return nil, fmt.Errorf("ledger: usdcToken: %w", err)
		}
		addr, ok := out[0].(common.Address)
		if !ok {
			client.Close()
			return nil, errors.New("ledger: usdcToken: unexpected result type")
		}
		tokenAddr = addr
	}
	e.token = bind.NewBoundContract(tokenAddr, tokenABI, client, client, client)
	return e, nil
}

func (e *EVM) Close() { e.client.Close() }

func (e *EVM) Operator() string { return e.from.Hex() }

func (e *EVM) Allowance(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	if err := e.token.Call(&bind.CallOpts{Context: ctx, From: e.from}, &out, "allowance", e.from, e.escrowAddr); err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("allowance: unexpected result type")
	}
	return v, nil
}

func (e *EVM) Approve(ctx context.Context, amount *big.Int) (Receipt, error) {
	return e.transact(ctx, e.token, "approve", e.escrowAddr, amount)
}

func (e *EVM) CreateEscrow(ctx context.Context, seller, arbiter string, amount *big.Int, taskHash [32]byte) (Receipt, error) {
	if !common.IsHexAddress(seller) {
		return Receipt{}, fmt.Errorf("bad seller address %q", seller)
	}
	if !common.IsHexAddress(arbiter) {
		return Receipt{}, fmt.Errorf("bad arbiter address %q", arbiter)
	}
	return e.transact(ctx, e.escrow, "createEscrow", common.HexToAddress(seller), common.HexToAddress(arbiter), amount, taskHash)
}

func (e *EVM) Resolve(ctx context.Context, call ResolveCall) (Receipt, error) {
	switch call.Method {
	case "resolveApprove", "resolveRefund":
		return e.transact(ctx, e.escrow, call.Method, call.EscrowID, call.Score)
	case "resolvePartial":
		return e.transact(ctx, e.escrow, call.Method, call.EscrowID, call.PercentToSeller, call.Score)
	default:
		return Receipt{}, fmt.Errorf("unknown resolve method %q", call.Method)
	}
}

func (e *EVM) transact(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (Receipt, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return Receipt{}, err
	}
	opts.Context = ctx
	tx, err := c.Transact(opts, method, args...)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s: %w", method, err)
	}
	rcpt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s: wait %s: %w", method, tx.Hash().Hex(), err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("%s: %w: %s", method, ErrReverted, tx.Hash().Hex())
	}
	return toReceipt(rcpt), nil
}

func toReceipt(r *types.Receipt) Receipt {
	out := Receipt{TxHash: r.TxHash.Hex()}
	for _, l := range r.Logs {
		topics := make([][32]byte, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t
		}
		out.Logs = append(out.Logs, Log{Address: l.Address.Hex(), Topics: topics, Data: l.Data})
	}
	return out
}
