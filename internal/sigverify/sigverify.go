// Package sigverify validates the two off-chain signatures that authorize a
// gasless payment: the token-permission grant and the payment intent.
//
// Verification is a pure read. The payment nonce is consumed only at
// settlement time, so verifying the same envelope twice yields the same
// result as long as no settlement happened in between.
package sigverify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/facilitator/pkg/x402"
)

var (
	ErrSignerMismatch = errors.New("sigverify: recovered signer does not match payer")
	ErrExpired        = errors.New("sigverify: envelope deadline passed")
	ErrReplayDetected = errors.New("sigverify: payment id already consumed")
)

// NonceStore tracks consumed payment ids per payer for replay protection.
// Seen is a pure read; Consume marks the id used and fails if it already
// was; Release undoes a Consume after a retryable settlement failure.
type NonceStore interface {
	Seen(ctx context.Context, payer, paymentID string) (bool, error)
	Consume(ctx context.Context, payer, paymentID string) error
	Release(ctx context.Context, payer, paymentID string) error
}

// ErrNonceConsumed is returned by NonceStore.Consume when the id was
// already used.
var ErrNonceConsumed = errors.New("sigverify: nonce already consumed")

// Result reports a verification outcome. RecoveredPermitSigner and
// RecoveredIntentSigner are set whenever recovery itself succeeded, even if
// the overall result is invalid, so callers can log who actually signed.
type Result struct {
	Valid                 bool
	RecoveredPermitSigner string
	RecoveredIntentSigner string
	Reason                error
}

// Verifier recovers and checks envelope signatures against a nonce store.
type Verifier struct {
	nonces NonceStore
	now    func() time.Time
}

// New creates a Verifier backed by the given nonce store.
func New(nonces NonceStore) *Verifier {
	return &Verifier{nonces: nonces, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// PermitMessage reconstructs the token-permission message the payer signed:
// a grant letting the escrow contract move `amount` on the payer's behalf.
func PermitMessage(p *x402.Payload) string {
	return fmt.Sprintf("FacilitatorPermit|%s|%s|%s|%d",
		strings.ToLower(p.Payer), p.Amount, p.PaymentID, p.Deadline)
}

// IntentMessage reconstructs the payment-intent message: the payer's signed
// willingness to pay these exact terms.
func IntentMessage(p *x402.Payload) string {
	return fmt.Sprintf("FacilitatorPayment|%s|%s|%s|%d|%s|%d",
		strings.ToLower(p.Payer), strings.ToLower(p.Recipient),
		p.Amount, p.Duration, p.PaymentID, p.Deadline)
}

// Verify checks both envelope signatures, the deadline, and the replay set.
// It never mutates the nonce store. On failure, Result.Reason carries one of
// the package sentinel errors; the returned error is reserved for store or
// recovery infrastructure failures.
func (v *Verifier) Verify(ctx context.Context, env *x402.PaymentEnvelope) (*Result, error) {
	p := &env.Payload
	res := &Result{}

	permitSigner, err := RecoverSigner(PermitMessage(p), p.PermitSignature)
	if err != nil {
		res.Reason = fmt.Errorf("%w: permit: %v", ErrSignerMismatch, err)
		return res, nil
	}
	res.RecoveredPermitSigner = permitSigner

	intentSigner, err := RecoverSigner(IntentMessage(p), p.PaymentSignature)
	if err != nil {
		res.Reason = fmt.Errorf("%w: intent: %v", ErrSignerMismatch, err)
		return res, nil
	}
	res.RecoveredIntentSigner = intentSigner

	payer := strings.ToLower(p.Payer)
	if permitSigner != payer || intentSigner != payer {
		res.Reason = fmt.Errorf("%w: permit=%s intent=%s payer=%s",
			ErrSignerMismatch, permitSigner, intentSigner, payer)
		return res, nil
	}

	if v.now().Unix() > p.Deadline {
		res.Reason = ErrExpired
		return res, nil
	}

	seen, err := v.nonces.Seen(ctx, payer, p.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("sigverify: nonce lookup: %w", err)
	}
	if seen {
		res.Reason = ErrReplayDetected
		return res, nil
	}

	res.Valid = true
	return res, nil
}

// RecoverSigner recovers the lowercase hex address that produced the given
// EIP-191 personal-sign signature over message.
func RecoverSigner(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Wallets emit v as 27/28; Ecrecover expects 0/1.
	recovered := make([]byte, 65)
	copy(recovered, sig)
	if recovered[64] >= 27 {
		recovered[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(hashPersonalMessage(message), recovered)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// hashPersonalMessage applies the EIP-191 "\x19Ethereum Signed Message"
// prefix before hashing.
func hashPersonalMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}
