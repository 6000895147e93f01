package facilitator

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/pkg/x402"
)

// Decision is a gate check verdict.
type Decision string

const (
	DecisionAllow          Decision = "allow"
	DecisionRequirePayment Decision = "require_payment"
	DecisionDeny           Decision = "deny"
)

// Verdict is one check's typed decision.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Check examines a request and votes on whether it may proceed.
type Check func(c *gin.Context) Verdict

// PaymentRequirement describes what payment is needed. Returned in the 402
// response body.
type PaymentRequirement struct {
	Amount    string `json:"amount"` // smallest denomination
	ChainID   int64  `json:"chainId"`
	Recipient string `json:"recipient"`
	Contract  string `json:"contract"`
	Duration  int64  `json:"duration,omitempty"` // escrow duration, seconds
}

// Gate runs checks in order and stops at the first non-allow verdict:
// require_payment answers 402 with the requirement, deny answers 403. The
// pipeline order is fixed by the caller (payment, then role, then resource).
func Gate(requirement PaymentRequirement, checks ...Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, check := range checks {
			v := check(c)
			switch v.Decision {
			case DecisionAllow:
				continue
			case DecisionRequirePayment:
				c.Header("X-Payment-Required", "true")
				c.Header("X-Payment-Amount", requirement.Amount)
				c.Header("X-Payment-Recipient", requirement.Recipient)
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
					"error":       "payment_required",
					"reason":      v.Reason,
					"requirement": requirement,
				})
				return
			default:
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":  "forbidden",
					"reason": v.Reason,
				})
				return
			}
		}
		c.Next()
	}
}

// PaymentContextKey stores the settled payment on the gin context once the
// payment check passes.
const PaymentContextKey = "settled_payment"

// PaymentLookup loads the escrow record for a payment id.
type PaymentLookup interface {
	Payment(ctx context.Context, paymentID string) (*escrow.Payment, error)
}

// PaymentCheck requires a settled, chain-confirmed escrow payment
// referenced by the X-Payment header envelope. A missing envelope or an
// unsettled paymentId votes require_payment; a malformed envelope votes
// deny.
func PaymentCheck(payments PaymentLookup) Check {
	return func(c *gin.Context) Verdict {
		env, err := x402.FromRequest(c.Request)
		if err != nil {
			// A present header that fails to decode is a bad token, not a
			// missing payment.
			if c.GetHeader(x402.PaymentHeader) != "" {
				return Verdict{Decision: DecisionDeny, Reason: "malformed payment envelope"}
			}
			return Verdict{Decision: DecisionRequirePayment, Reason: "payment envelope required"}
		}

		p, err := payments.Payment(c.Request.Context(), env.Payload.PaymentID)
		if err != nil {
			return Verdict{Decision: DecisionRequirePayment, Reason: "payment not settled"}
		}
		if !p.Confirmed {
			return Verdict{Decision: DecisionRequirePayment, Reason: "payment awaiting confirmation"}
		}
		if p.State == escrow.StateRefunded || p.State == escrow.StateDisputed {
			return Verdict{Decision: DecisionDeny, Reason: "payment is " + string(p.State)}
		}

		c.Set(PaymentContextKey, p)
		return Verdict{Decision: DecisionAllow}
	}
}

// RoleCheck denies callers the allowed predicate rejects. The caller
// identity is taken from the settled payment stored by PaymentCheck, so it
// must run after it in the pipeline.
func RoleCheck(allowed func(payerAddr string) bool) Check {
	return func(c *gin.Context) Verdict {
		v, ok := c.Get(PaymentContextKey)
		if !ok {
			return Verdict{Decision: DecisionDeny, Reason: "no settled payment in context"}
		}
		p := v.(*escrow.Payment)
		if !allowed(p.Payer) {
			return Verdict{Decision: DecisionDeny, Reason: "payer not authorized for resource"}
		}
		return Verdict{Decision: DecisionAllow}
	}
}
