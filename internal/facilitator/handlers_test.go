package facilitator

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/facilitator/internal/chain"
	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/internal/settlement"
	"github.com/mbd888/facilitator/internal/sigverify"
	"github.com/mbd888/facilitator/pkg/x402"
)

const recipientAddr = "0x2222222222222222222222222222222222222222"

// stubChain satisfies settlement.ChainClient without a network.
type stubChain struct{ submits int }

func (s *stubChain) CreatePaymentWithPermit(ctx context.Context, p chain.CreateParams) (*chain.SubmitResult, error) {
	s.submits++
	return &chain.SubmitResult{TxHash: "0xsettletx"}, nil
}

func (s *stubChain) ClaimPayment(ctx context.Context, paymentID string) (*chain.SubmitResult, error) {
	return &chain.SubmitResult{TxHash: "0xclaimtx"}, nil
}

func (s *stubChain) RefundPayment(ctx context.Context, paymentID string) (*chain.SubmitResult, error) {
	return &chain.SubmitResult{TxHash: "0xrefundtx"}, nil
}

func (s *stubChain) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*chain.Confirmation, error) {
	return &chain.Confirmation{TxHash: txHash, BlockNumber: 10}, nil
}

func (s *stubChain) ObserveReceipt(ctx context.Context, txHash string) (*chain.Confirmation, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *settlement.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	nonces := sigverify.NewMemoryNonceStore()
	verifier := sigverify.New(nonces)
	sm := escrow.NewStateMachine(escrow.NewMemoryStore())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	co := settlement.NewCoordinator(verifier, nonces, &stubChain{}, sm, logger, settlement.Options{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	})

	r := gin.New()
	NewHandler(co).RegisterRoutes(r.Group("/v1"))
	return r, co
}

func newSignedEnvelope(t *testing.T, paymentID string) *x402.PaymentEnvelope {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	env := &x402.PaymentEnvelope{
		Version: x402.Version,
		Scheme:  x402.SchemeExact,
		Payload: x402.Payload{
			PaymentID: paymentID,
			Payer:     payer,
			Recipient: recipientAddr,
			Amount:    "250000",
			Duration:  3600,
			Deadline:  time.Now().Add(time.Hour).Unix(),
		},
	}
	env.Payload.PermitSignature = signPersonal(t, key, sigverify.PermitMessage(&env.Payload))
	env.Payload.PaymentSignature = signPersonal(t, key, sigverify.IntentMessage(&env.Payload))
	return env
}

func signPersonal(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func postJSON(r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVerifyEndpoint_Valid(t *testing.T) {
	r, _ := newTestRouter(t)
	env := newSignedEnvelope(t, "pay_v1")

	w := postJSON(r, "/v1/verify", gin.H{"envelope": env})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["valid"])
	assert.Equal(t, "pay_v1", resp["paymentId"])
}

func TestVerifyEndpoint_TamperedNeverThrows(t *testing.T) {
	r, _ := newTestRouter(t)
	env := newSignedEnvelope(t, "pay_v2")
	env.Payload.Amount = "999999"

	w := postJSON(r, "/v1/verify", gin.H{"envelope": env})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["valid"])
	assert.NotEmpty(t, resp["reason"])
}

func TestVerifyEndpoint_GarbageBody(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/verify", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["valid"])
}

func TestSettleEndpoint_Success(t *testing.T) {
	r, _ := newTestRouter(t)
	env := newSignedEnvelope(t, "pay_s1")

	w := postJSON(r, "/v1/settle", gin.H{"envelope": env})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["settled"])
	assert.Equal(t, "0xsettletx", resp["txRef"])
}

func TestSettleEndpoint_AcceptsPaymentHeaderToken(t *testing.T) {
	r, _ := newTestRouter(t)
	env := newSignedEnvelope(t, "pay_s2")
	token, err := x402.EncodeEnvelope(env)
	require.NoError(t, err)

	w := postJSON(r, "/v1/settle", gin.H{"paymentHeader": token})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["settled"])
}

func TestSettleEndpoint_InvalidEnvelopeAnswersNotSettled(t *testing.T) {
	r, _ := newTestRouter(t)
	env := newSignedEnvelope(t, "pay_s3")
	env.Payload.PaymentSignature = env.Payload.PermitSignature // wrong message

	w := postJSON(r, "/v1/settle", gin.H{"envelope": env})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["settled"])
}

func TestClaimEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	env := newSignedEnvelope(t, "pay_c1")

	w := postJSON(r, "/v1/settle", gin.H{"envelope": env})
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(r, "/v1/payments/pay_c1/claim", gin.H{"caller": recipientAddr})
	require.Equal(t, http.StatusOK, w.Code)

	var p escrow.Payment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, escrow.StateClaimed, p.State)
}

func TestClaimEndpoint_WrongCaller(t *testing.T) {
	r, _ := newTestRouter(t)
	env := newSignedEnvelope(t, "pay_c2")

	w := postJSON(r, "/v1/settle", gin.H{"envelope": env})
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(r, "/v1/payments/pay_c2/claim", gin.H{"caller": env.Payload.Payer})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetPayment_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
