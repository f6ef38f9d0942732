package stripe

import (
	"strings"
	"time"
)

// Minimal payload shapes decoded from event.Data.Raw. Only the fields the
// processors act on are declared; everything else in the provider payload
// is ignored.

type checkoutSessionPayload struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"` // "subscription" or "payment"
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Created       int64             `json:"created"`
	Metadata      map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// subscriptionID tolerates both payload generations: older invoices carry
// the subscription id top level, newer ones nest it under parent.
func (p invoicePayload) subscriptionID() string {
	if s := strings.TrimSpace(p.Subscription); s != "" {
		return s
	}
	return strings.TrimSpace(p.Parent.SubscriptionDetails.Subscription)
}

// period returns the widest service window across the invoice lines.
// ok is false when no line carries period bounds.
func (p invoicePayload) period() (start, end time.Time, ok bool) {
	var startSec, endSec int64
	for _, line := range p.Lines.Data {
		if line.Period.End == 0 {
			continue
		}
		if startSec == 0 || line.Period.Start < startSec {
			startSec = line.Period.Start
		}
		if line.Period.End > endSec {
			endSec = line.Period.End
		}
	}
	if endSec == 0 {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(startSec, 0).UTC(), time.Unix(endSec, 0).UTC(), true
}

type chargePayload struct {
	ID             string `json:"id"`
	Refunded       bool   `json:"refunded"`
	AmountRefunded int64  `json:"amount_refunded"`
}
