package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/pkg/x402"
)

// stubLookup serves fixed escrow records by payment id.
type stubLookup struct {
	payments map[string]*escrow.Payment
}

func (s *stubLookup) Payment(ctx context.Context, paymentID string) (*escrow.Payment, error) {
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, escrow.ErrPaymentNotFound
	}
	return p, nil
}

func testRequirement() PaymentRequirement {
	return PaymentRequirement{
		Amount:    "100000",
		ChainID:   84532,
		Recipient: recipientAddr,
		Contract:  "0x3333333333333333333333333333333333333333",
		Duration:  3600,
	}
}

func gatedRouter(lookup PaymentLookup, checks ...Check) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	all := append([]Check{PaymentCheck(lookup)}, checks...)
	r.GET("/premium", Gate(testRequirement(), all...), func(c *gin.Context) {
		p := c.MustGet(PaymentContextKey).(*escrow.Payment)
		c.JSON(http.StatusOK, gin.H{"payer": p.Payer})
	})
	return r
}

func paymentToken(t *testing.T, paymentID string) string {
	t.Helper()
	token, err := x402.EncodeEnvelope(&x402.PaymentEnvelope{
		Version: x402.Version,
		Scheme:  x402.SchemeExact,
		Payload: x402.Payload{
			PaymentID:        paymentID,
			Payer:            "0x1111111111111111111111111111111111111111",
			Recipient:        recipientAddr,
			Amount:           "100000",
			Duration:         3600,
			Deadline:         time.Now().Add(time.Hour).Unix(),
			PermitSignature:  "0x" + strings.Repeat("ab", 65),
			PaymentSignature: "0x" + strings.Repeat("cd", 65),
		},
	})
	require.NoError(t, err)
	return token
}

func getWithHeader(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	if header != "" {
		req.Header.Set(x402.PaymentHeader, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGate_MissingHeaderAnswers402(t *testing.T) {
	r := gatedRouter(&stubLookup{})

	w := getWithHeader(r, "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))
	assert.Equal(t, "100000", w.Header().Get("X-Payment-Amount"))

	var resp struct {
		Requirement PaymentRequirement `json:"requirement"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, recipientAddr, resp.Requirement.Recipient)
}

func TestGate_MalformedHeaderAnswers403(t *testing.T) {
	r := gatedRouter(&stubLookup{})

	w := getWithHeader(r, "!!!not-base64!!!")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGate_UnsettledPaymentAnswers402(t *testing.T) {
	r := gatedRouter(&stubLookup{})

	w := getWithHeader(r, paymentToken(t, "pay_gate1"))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "not settled"))
}

func TestGate_UnconfirmedPaymentAnswers402(t *testing.T) {
	lookup := &stubLookup{payments: map[string]*escrow.Payment{
		"pay_gate2": {PaymentID: "pay_gate2", State: escrow.StatePending, Confirmed: false},
	}}
	r := gatedRouter(lookup)

	w := getWithHeader(r, paymentToken(t, "pay_gate2"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestGate_RefundedPaymentAnswers403(t *testing.T) {
	lookup := &stubLookup{payments: map[string]*escrow.Payment{
		"pay_gate3": {PaymentID: "pay_gate3", State: escrow.StateRefunded, Confirmed: true},
	}}
	r := gatedRouter(lookup)

	w := getWithHeader(r, paymentToken(t, "pay_gate3"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGate_SettledPaymentPassesThrough(t *testing.T) {
	payer := "0x1111111111111111111111111111111111111111"
	lookup := &stubLookup{payments: map[string]*escrow.Payment{
		"pay_gate4": {PaymentID: "pay_gate4", Payer: payer, State: escrow.StatePending, Confirmed: true},
	}}
	r := gatedRouter(lookup)

	w := getWithHeader(r, paymentToken(t, "pay_gate4"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, payer, resp["payer"])
}

func TestGate_RoleCheckDeniesUnlistedPayer(t *testing.T) {
	payer := "0x1111111111111111111111111111111111111111"
	lookup := &stubLookup{payments: map[string]*escrow.Payment{
		"pay_gate5": {PaymentID: "pay_gate5", Payer: payer, State: escrow.StatePending, Confirmed: true},
	}}
	r := gatedRouter(lookup, RoleCheck(func(addr string) bool { return addr != payer }))

	w := getWithHeader(r, paymentToken(t, "pay_gate5"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
