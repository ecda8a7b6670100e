package payment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrResponseLost simulates a charge applied by the gateway whose response never arrived.
var ErrResponseLost = errors.New("gateway response lost")

type Decision struct {
	Outcome Outcome
	// LoseResponse applies the decision but returns ErrResponseLost to the caller.
	LoseResponse bool
}

// Decider picks the result of a first-time charge.
type Decider interface {
	Decide(req ChargeRequest) Decision
}

var refusals = []string{
	"insufficient funds",
	"card expired",
	"do not honor",
	"suspected fraud",
	"invalid cvc",
}

// RandomDecider approves 95% of charges.
type RandomDecider struct{}

func (RandomDecider) Decide(ChargeRequest) Decision {
	return calcDecision(rand.Intn(101)) // 101 because Intn is exclusive of the upper bound
}

func calcDecision(randomInt int) Decision {
	if randomInt < 95 {
		return Decision{Outcome: Outcome{Status: StatusSucceeded}}
	}
	reason := randomInt - 95
	if reason == 0 || reason > len(refusals) {
		return Decision{Outcome: Outcome{Status: StatusDeclined, Reason: "unknown reason"}}
	}
	return Decision{Outcome: Outcome{Status: StatusDeclined, Reason: refusals[reason-1]}}
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(req ChargeRequest) Decision

func (f DeciderFunc) Decide(req ChargeRequest) Decision { return f(req) }

type simulatedCharge struct {
	outcome  Outcome
	refunded bool
}

// SimulatedGateway is an in-process gateway that dedups by token, so a
// repeated Charge returns the first outcome without charging again.
type SimulatedGateway struct {
	decider Decider

	mu      sync.Mutex
	charges map[string]*simulatedCharge
	applied int // charges that moved money
}

func NewSimulatedGateway(d Decider) *SimulatedGateway {
	if d == nil {
		d = RandomDecider{}
	}
	return &SimulatedGateway{decider: d, charges: make(map[string]*simulatedCharge)}
}

func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if req.Token == "" {
		return Outcome{Status: StatusDeclined, Reason: "missing idempotency token"}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.charges[req.Token]; ok {
		return c.outcome, nil
	}

	d := g.decider.Decide(req)
	out := d.Outcome
	if out.Status == StatusSucceeded && out.ReceiptID == "" {
		out.ReceiptID = fmt.Sprintf("TXN-%s", uuid.NewString())
	}
	g.charges[req.Token] = &simulatedCharge{outcome: out}
	if out.Status == StatusSucceeded {
		g.applied++
	}

	if d.LoseResponse {
		return Outcome{}, errors.Wrapf(ErrResponseLost, "charge %s", req.Token)
	}
	return out, nil
}

func (g *SimulatedGateway) QueryStatus(ctx context.Context, token string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[token]
	if !ok {
		return Outcome{Status: StatusNotFound}, nil
	}
	return c.outcome, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, receiptID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[token]
	if !ok || c.outcome.ReceiptID != receiptID || c.outcome.Status != StatusSucceeded {
		return errors.Errorf("no successful charge %s for token %s", receiptID, token)
	}
	if !c.refunded {
		c.refunded = true
		g.applied--
	}
	return nil
}

// AppliedCharges reports how many charges currently hold money.
func (g *SimulatedGateway) AppliedCharges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}

// Refunded reports whether the charge behind token was refunded.
func (g *SimulatedGateway) Refunded(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[token]
	return ok && c.refunded
}
