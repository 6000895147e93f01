// Package x402 implements the x402 payment envelope: the portable token a
// payer's wallet produces off-chain and the facilitator settles on-chain.
//
// An envelope travels as a base64-encoded JSON document, typically in the
// X-Payment header of a retried request after a 402 response. Encoding and
// decoding are pure functions; nothing here touches the network or a chain.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"time"
)

// Version is the envelope format version this package produces and accepts.
const Version = 1

// SchemeExact is the only settlement scheme currently supported: the payer
// authorizes an exact amount for an exact recipient.
const SchemeExact = "exact"

// PaymentHeader is the HTTP header carrying an encoded envelope.
const PaymentHeader = "X-Payment"

// ErrMalformedEnvelope indicates the token could not be decoded at the
// transport level (bad base64 or bad JSON).
var ErrMalformedEnvelope = errors.New("x402: malformed envelope")

// SchemaError indicates a structurally valid envelope with missing or
// invalid required fields. Field names the offending field.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("x402: schema violation: %s: %s", e.Field, e.Reason)
}

var (
	addressRe   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	signatureRe = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

// Payload carries the signed payment terms.
//
// Amount is a base-10 integer string in the token's smallest denomination;
// it is never represented as a float to avoid precision loss. Deadline is
// Unix seconds.
type Payload struct {
	PaymentID        string `json:"paymentId"`
	Payer            string `json:"payer"`
	Recipient        string `json:"recipient"`
	Amount           string `json:"amount"`
	Duration         int64  `json:"duration"`
	PermitSignature  string `json:"permitSignature"`
	PaymentSignature string `json:"paymentSignature"`
	Deadline         int64  `json:"deadline"`
}

// PaymentEnvelope is the decoded form of an x402 payment token.
type PaymentEnvelope struct {
	Version int     `json:"x402Version"`
	Scheme  string  `json:"scheme"`
	Payload Payload `json:"payload"`
}

// DeadlineTime returns the payload deadline as a time.Time.
func (e *PaymentEnvelope) DeadlineTime() time.Time {
	return time.Unix(e.Payload.Deadline, 0)
}

// AmountInt returns the payload amount as a big.Int. The envelope must have
// passed Validate first; on unparseable input it returns nil.
func (e *PaymentEnvelope) AmountInt() *big.Int {
	v, ok := new(big.Int).SetString(e.Payload.Amount, 10)
	if !ok {
		return nil
	}
	return v
}

// EncodeEnvelope serializes an envelope into its transport token.
func EncodeEnvelope(env *PaymentEnvelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("x402: marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeEnvelope parses a transport token into a validated envelope.
// Returns ErrMalformedEnvelope for transport-level problems and a
// *SchemaError for missing or invalid fields.
func DecodeEnvelope(token string) (*PaymentEnvelope, error) {
	if token == "" {
		return nil, ErrMalformedEnvelope
	}

	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var env PaymentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks all required envelope fields. It returns a *SchemaError
// naming the first offending field.
func (e *PaymentEnvelope) Validate() error {
	if e.Version != Version {
		return &SchemaError{Field: "x402Version", Reason: fmt.Sprintf("unsupported version %d", e.Version)}
	}
	if e.Scheme != SchemeExact {
		return &SchemaError{Field: "scheme", Reason: fmt.Sprintf("unsupported scheme %q", e.Scheme)}
	}

	p := &e.Payload
	if p.PaymentID == "" {
		return &SchemaError{Field: "paymentId", Reason: "required"}
	}
	if !addressRe.MatchString(p.Payer) {
		return &SchemaError{Field: "payer", Reason: "must be a 0x-prefixed 20-byte hex address"}
	}
	if !addressRe.MatchString(p.Recipient) {
		return &SchemaError{Field: "recipient", Reason: "must be a 0x-prefixed 20-byte hex address"}
	}

	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return &SchemaError{Field: "amount", Reason: "must be a base-10 integer string"}
	}
	if amount.Sign() <= 0 {
		return &SchemaError{Field: "amount", Reason: "must be positive"}
	}

	if p.Duration <= 0 {
		return &SchemaError{Field: "duration", Reason: "must be positive seconds"}
	}
	if !signatureRe.MatchString(p.PermitSignature) {
		return &SchemaError{Field: "permitSignature", Reason: "must be a 0x-prefixed 65-byte hex signature"}
	}
	if !signatureRe.MatchString(p.PaymentSignature) {
		return &SchemaError{Field: "paymentSignature", Reason: "must be a 0x-prefixed 65-byte hex signature"}
	}
	if p.Deadline <= 0 {
		return &SchemaError{Field: "deadline", Reason: "must be a positive Unix timestamp"}
	}

	return nil
}

// FromRequest extracts and decodes the envelope from an HTTP request's
// X-Payment header. Returns ErrMalformedEnvelope if the header is absent.
func FromRequest(req *http.Request) (*PaymentEnvelope, error) {
	return DecodeEnvelope(req.Header.Get(PaymentHeader))
}

// AttachToRequest encodes the envelope and sets it on the request.
func AttachToRequest(req *http.Request, env *PaymentEnvelope) error {
	token, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	req.Header.Set(PaymentHeader, token)
	return nil
}

// Is402Response reports whether an HTTP response demands payment.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}
