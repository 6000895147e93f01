// Package chain handles all blockchain interactions with the escrow contract.
//
// The facilitator signs and pays for every transaction itself; payers never
// spend gas. The contract enforces replay protection on paymentId, so
// resubmitting a failed createPaymentWithPermit with the same id is safe.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrReverted          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
)

// SubmitError wraps submission failures with operation context.
type SubmitError struct {
	Op        string // operation that failed
	TxHash    string // transaction hash if available
	Retryable bool   // safe to resubmit with the same paymentId
	Err       error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient submission failure that is
// safe to retry with the same paymentId. Reverts and signature/state
// violations are never retryable.
func IsRetryable(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Escrow contract ABI, limited to the three entry points the facilitator
// constructs calls for.
const escrowABI = `[
	{"inputs":[{"name":"paymentId","type":"bytes32"},{"name":"payer","type":"address"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"duration","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"permitSig","type":"bytes"},{"name":"paymentSig","type":"bytes"}],"name":"createPaymentWithPermit","outputs":[],"type":"function"},
	{"inputs":[{"name":"paymentId","type":"bytes32"}],"name":"claimPayment","outputs":[],"type":"function"},
	{"inputs":[{"name":"paymentId","type":"bytes32"}],"name":"refundPayment","outputs":[],"type":"function"}
]`

const (
	// DefaultGasLimit for escrow contract calls when estimation fails.
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationDepth is the finality threshold: a transaction is
	// durable once this many blocks sit on top of it.
	DefaultConfirmationDepth = uint64(3)

	// ConfirmationPollInterval between receipt/head checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a new escrow contract client.
type Config struct {
	RPCURL            string
	PrivateKey        string // hex string, 0x prefix optional
	ChainID           int64
	EscrowContract    string
	ConfirmationDepth uint64
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// SubmitResult describes a broadcast transaction.
type SubmitResult struct {
	TxHash string
	Nonce  uint64
}

// Confirmation describes a transaction that reached the finality threshold.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Client constructs, signs, and submits escrow contract calls.
type Client struct {
	client    EthClient
	priv      *ecdsa.PrivateKey
	address   common.Address
	chainID   *big.Int
	contract  common.Address
	abi       abi.ABI
	depth     uint64
	pollEvery time.Duration
}

// New creates an escrow contract client.
func New(cfg Config, opts ...Option) (*Client, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow ABI: %w", err)
	}

	depth := cfg.ConfirmationDepth
	if depth == 0 {
		depth = DefaultConfirmationDepth
	}

	c := &Client{
		priv:      priv,
		address:   crypto.PubkeyToAddress(priv.PublicKey),
		chainID:   big.NewInt(cfg.ChainID),
		contract:  common.HexToAddress(cfg.EscrowContract),
		abi:       parsedABI,
		depth:     depth,
		pollEvery: ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = ec
	}
	return c, nil
}

// Address returns the facilitator's signing address.
func (c *Client) Address() string { return c.address.Hex() }

// ConfirmationDepth returns the configured finality threshold.
func (c *Client) ConfirmationDepth() uint64 { return c.depth }

// PaymentIDHash maps a caller-supplied payment id to its on-chain bytes32 key.
func PaymentIDHash(paymentID string) common.Hash {
	return common.BytesToHash(crypto.Keccak256([]byte(paymentID)))
}

// CreateParams are the arguments for createPaymentWithPermit.
type CreateParams struct {
	PaymentID  string
	Payer      string
	Recipient  string
	Amount     *big.Int
	Duration   int64
	Deadline   int64
	PermitSig  []byte
	PaymentSig []byte
}

// CreatePaymentWithPermit submits the composite settlement call: permit
// grant, escrowed transfer, and escrow record creation in one transaction.
func (c *Client) CreatePaymentWithPermit(ctx context.Context, p CreateParams) (*SubmitResult, error) {
	data, err := c.abi.Pack("createPaymentWithPermit",
		PaymentIDHash(p.PaymentID),
		common.HexToAddress(p.Payer),
		common.HexToAddress(p.Recipient),
		p.Amount,
		big.NewInt(p.Duration),
		big.NewInt(p.Deadline),
		p.PermitSig,
		p.PaymentSig,
	)
	if err != nil {
		return nil, &SubmitError{Op: "create_pack", Err: err}
	}
	return c.submit(ctx, "create", data)
}

// ClaimPayment submits claimPayment(paymentId) on behalf of the recipient.
func (c *Client) ClaimPayment(ctx context.Context, paymentID string) (*SubmitResult, error) {
	data, err := c.abi.Pack("claimPayment", PaymentIDHash(paymentID))
	if err != nil {
		return nil, &SubmitError{Op: "claim_pack", Err: err}
	}
	return c.submit(ctx, "claim", data)
}

// RefundPayment submits refundPayment(paymentId) on behalf of the payer.
func (c *Client) RefundPayment(ctx context.Context, paymentID string) (*SubmitResult, error) {
	data, err := c.abi.Pack("refundPayment", PaymentIDHash(paymentID))
	if err != nil {
		return nil, &SubmitError{Op: "refund_pack", Err: err}
	}
	return c.submit(ctx, "refund", data)
}

func (c *Client) submit(ctx context.Context, op string, data []byte) (*SubmitResult, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &SubmitError{Op: op + "_nonce", Retryable: true, Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmitError{Op: op + "_gas_price", Retryable: true, Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation failing usually means the call would revert; an
		// eth_estimateGas transport error falls back to the default limit
		// at SendTransaction time instead.
		if isTransportError(err) {
			gasLimit = DefaultGasLimit
		} else {
			return nil, &SubmitError{Op: op + "_estimate", Err: fmt.Errorf("%w: %v", ErrReverted, err)}
		}
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.priv)
	if err != nil {
		return nil, &SubmitError{Op: op + "_sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &SubmitError{
			Op:        op + "_send",
			TxHash:    signedTx.Hash().Hex(),
			Retryable: !isNonceOrRevertError(err),
			Err:       err,
		}
	}

	return &SubmitResult{TxHash: signedTx.Hash().Hex(), Nonce: nonce}, nil
}

// WaitForConfirmation blocks until the transaction is mined and buried under
// the configured confirmation depth, or the timeout passes. A mined
// transaction with status 0 returns ErrReverted.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Confirmation, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status == 0 {
				return nil, &SubmitError{Op: "confirm", TxHash: txHash, Err: ErrReverted}
			}

			head, err := c.client.BlockNumber(ctx)
			if err != nil {
				continue
			}
			mined := receipt.BlockNumber.Uint64()
			if head < mined || head-mined+1 < c.depth {
				continue // not yet buried deep enough
			}

			return &Confirmation{
				TxHash:      txHash,
				BlockNumber: mined,
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// ObserveReceipt is a single, non-blocking look at chain state, used by the
// reconciler. Returns (nil, nil) when the transaction is not yet mined.
func (c *Client) ObserveReceipt(ctx context.Context, txHash string) (*Confirmation, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, nil //nolint:nilerr // unmined is not an error for observation
	}
	if receipt.Status == 0 {
		return nil, &SubmitError{Op: "observe", TxHash: txHash, Err: ErrReverted}
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < c.depth {
		return nil, nil
	}
	return &Confirmation{TxHash: txHash, BlockNumber: mined, GasUsed: receipt.GasUsed}, nil
}

// Close closes the underlying client connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func isTransportError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}

func isNonceOrRevertError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "revert") ||
		strings.Contains(msg, "invalid signature")
}
