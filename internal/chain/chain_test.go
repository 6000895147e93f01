package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeEthClient is a controllable EthClient for tests.
type fakeEthClient struct {
	nonce       uint64
	head        uint64
	receipts    map[common.Hash]*types.Receipt
	sendErr     error
	estimateErr error
	sent        []*types.Transaction
}

func newFakeEthClient() *fakeEthClient {
	return &fakeEthClient{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 150000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeEthClient) Close() {}

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestClient(t *testing.T, fake *fakeEthClient) *Client {
	t.Helper()
	c, err := New(Config{
		PrivateKey:        testKey,
		ChainID:           84532,
		EscrowContract:    "0x3333333333333333333333333333333333333333",
		ConfirmationDepth: 3,
	}, WithClient(fake))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.pollEvery = 5 * time.Millisecond
	return c
}

func TestCreatePaymentWithPermit_Broadcasts(t *testing.T) {
	fake := newFakeEthClient()
	c := newTestClient(t, fake)

	res, err := c.CreatePaymentWithPermit(context.Background(), CreateParams{
		PaymentID:  "pay_1",
		Payer:      "0x1111111111111111111111111111111111111111",
		Recipient:  "0x2222222222222222222222222222222222222222",
		Amount:     big.NewInt(1_000_000),
		Duration:   3600,
		Deadline:   1900000000,
		PermitSig:  make([]byte, 65),
		PaymentSig: make([]byte, 65),
	})
	if err != nil {
		t.Fatalf("CreatePaymentWithPermit failed: %v", err)
	}
	if res.TxHash == "" {
		t.Error("expected a transaction hash")
	}
	if len(fake.sent) != 1 {
		t.Errorf("broadcast %d transactions, want 1", len(fake.sent))
	}
}

func TestSubmit_RevertOnEstimateIsFatal(t *testing.T) {
	fake := newFakeEthClient()
	fake.estimateErr = errors.New("execution reverted: payment exists")
	c := newTestClient(t, fake)

	_, err := c.ClaimPayment(context.Background(), "pay_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRetryable(err) {
		t.Error("revert during estimation classified as retryable")
	}
	if !errors.Is(err, ErrReverted) {
		t.Errorf("error = %v, want ErrReverted", err)
	}
}

func TestSubmit_NetworkErrorIsRetryable(t *testing.T) {
	fake := newFakeEthClient()
	fake.sendErr = errors.New("connection reset by peer")
	c := newTestClient(t, fake)

	_, err := c.RefundPayment(context.Background(), "pay_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Error("network error classified as fatal")
	}
}

func TestSubmit_NonceTooLowIsFatal(t *testing.T) {
	fake := newFakeEthClient()
	fake.sendErr = errors.New("nonce too low")
	c := newTestClient(t, fake)

	_, err := c.ClaimPayment(context.Background(), "pay_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRetryable(err) {
		t.Error("nonce violation classified as retryable")
	}
}

func TestWaitForConfirmation_WaitsForDepth(t *testing.T) {
	fake := newFakeEthClient()
	c := newTestClient(t, fake)

	hash := common.HexToHash("0xabc1")
	fake.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		GasUsed:     21000,
	}
	fake.head = 100 // mined, 1 confirmation, depth 3 not reached

	done := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		fake.head = 102 // 3 confirmations
		close(done)
	}()

	conf, err := c.WaitForConfirmation(context.Background(), hash.Hex(), time.Second)
	if err != nil {
		t.Fatalf("WaitForConfirmation failed: %v", err)
	}
	<-done
	if conf.BlockNumber != 100 {
		t.Errorf("BlockNumber = %d, want 100", conf.BlockNumber)
	}
}

func TestWaitForConfirmation_Reverted(t *testing.T) {
	fake := newFakeEthClient()
	c := newTestClient(t, fake)

	hash := common.HexToHash("0xabc2")
	fake.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(100),
	}
	fake.head = 110

	_, err := c.WaitForConfirmation(context.Background(), hash.Hex(), time.Second)
	if !errors.Is(err, ErrReverted) {
		t.Errorf("error = %v, want ErrReverted", err)
	}
}

func TestWaitForConfirmation_Timeout(t *testing.T) {
	fake := newFakeEthClient()
	c := newTestClient(t, fake)

	_, err := c.WaitForConfirmation(context.Background(), "0xdead", 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if !IsRetryable(err) {
		t.Error("confirmation timeout classified as fatal")
	}
}

func TestObserveReceipt(t *testing.T) {
	fake := newFakeEthClient()
	c := newTestClient(t, fake)

	// Unmined: no error, no confirmation.
	conf, err := c.ObserveReceipt(context.Background(), "0xdead")
	if err != nil || conf != nil {
		t.Errorf("unmined observe = (%v, %v), want (nil, nil)", conf, err)
	}

	hash := common.HexToHash("0xabc3")
	fake.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(50),
		GasUsed:     42000,
	}
	fake.head = 52

	conf, err = c.ObserveReceipt(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("ObserveReceipt failed: %v", err)
	}
	if conf == nil || conf.BlockNumber != 50 {
		t.Errorf("conf = %+v, want block 50", conf)
	}
}

func TestPaymentIDHash_DeterministicNonZero(t *testing.T) {
	h1 := PaymentIDHash("pay_1")
	h2 := PaymentIDHash("pay_1")
	if h1 != h2 {
		t.Error("PaymentIDHash is not deterministic")
	}
	if h1 == (common.Hash{}) {
		t.Error("PaymentIDHash returned the zero hash")
	}
	if PaymentIDHash("pay_2") == h1 {
		t.Error("distinct payment ids hashed identically")
	}
}
