// Package gateway is the governance pipeline: every trade request
// passes admission, risk, and policy before it can reach a venue, and
// every decision along the way lands in the audit chain.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/readytrader/gateway/internal/audit"
	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/internal/execution"
	"github.com/readytrader/gateway/internal/marketdata"
	"github.com/readytrader/gateway/internal/policy"
	"github.com/readytrader/gateway/internal/proposal"
	"github.com/readytrader/gateway/internal/risk"
	"github.com/readytrader/gateway/pkg/logger"
	"github.com/readytrader/gateway/pkg/ratelimit"
)

const defaultPortfolio = "default"

// Pipeline glues the governance stages together. Stage order is fixed:
// admission, halt check, risk, policy, then either immediate execution
// or a pending proposal. The halt switch is checked again right before
// execution, because an approval can arrive long after submission.
type Pipeline struct {
	limiter   ratelimit.Limiter
	kill      *risk.KillSwitch
	guardian  *risk.Guardian
	states    *risk.StateStore
	policy    *policy.Engine
	proposals *proposal.Store
	router    *execution.Router
	bus       *marketdata.Bus
	auditLog  *audit.Log
	log       *logrus.Entry
}

type Options struct {
	Limiter   ratelimit.Limiter
	Kill      *risk.KillSwitch
	Guardian  *risk.Guardian
	States    *risk.StateStore
	Policy    *policy.Engine
	Proposals *proposal.Store
	Router    *execution.Router
	Bus       *marketdata.Bus
	Audit     *audit.Log
}

func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		limiter:   opts.Limiter,
		kill:      opts.Kill,
		guardian:  opts.Guardian,
		states:    opts.States,
		policy:    opts.Policy,
		proposals: opts.Proposals,
		router:    opts.Router,
		bus:       opts.Bus,
		auditLog:  opts.Audit,
		log:       logger.Component("pipeline"),
	}
}

// SubmitResult reports where the request ended up. Exactly one of
// Proposal and Order is set on success.
type SubmitResult struct {
	Proposal *proposal.Proposal `json:"proposal,omitempty"`
	Order    *domain.Order      `json:"order,omitempty"`
}

// Submit runs the request through the full pipeline. A denial at any
// stage is returned as a coded error and recorded in the audit chain
// before this method returns.
func (p *Pipeline) Submit(ctx context.Context, req domain.TradeRequest) (*SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errs.Validation(errs.CodeInvalidRequest, "%v", err)
	}
	fp := req.Fingerprint()
	p.audit(audit.TypeTradeSubmitted, req.CallerKey, fp, req)

	if !p.limiter.TryAdmit(req.CallerKey) {
		err := errs.RateLimit("caller %s over admission limit", req.CallerKey)
		p.audit(audit.TypeAdmissionDenied, req.CallerKey, fp, err)
		return nil, err
	}

	if p.kill.Halted() {
		err := errs.Risk(errs.CodeTradingHalted, "trading is halted")
		p.audit(audit.TypeRiskDenied, req.CallerKey, fp, err)
		return nil, err
	}

	quote, qerr := p.bus.Quote(req.Symbol)
	if qerr != nil {
		p.audit(audit.TypeRiskDenied, req.CallerKey, fp, qerr)
		return nil, qerr
	}
	state := p.states.Snapshot(portfolioKey(req))
	if err := p.guardian.Evaluate(state, req, quote); err != nil {
		p.audit(audit.TypeRiskDenied, req.CallerKey, fp, err)
		return nil, err
	}

	if err := p.policy.Evaluate(req); err != nil {
		p.audit(audit.TypePolicyDenied, req.CallerKey, fp, err)
		return nil, err
	}

	if req.Mode == domain.ModeApproveEach {
		prop, existing, err := p.proposals.Create(req)
		if err != nil {
			return nil, errs.Internal("create proposal").WithCause(err)
		}
		if !existing {
			p.audit(audit.TypeProposalCreated, req.CallerKey, prop.ID, prop)
		}
		return &SubmitResult{Proposal: prop}, nil
	}

	order, err := p.executeNow(ctx, req, "")
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Order: order}, nil
}

// Approve consumes the confirm token and executes the held trade.
func (p *Pipeline) Approve(ctx context.Context, id, token, actor string) (*SubmitResult, error) {
	prop, err := p.proposals.Approve(id, token)
	if err != nil {
		if errs.IsCode(err, errs.CodeProposalExpired) {
			p.audit(audit.TypeProposalExpired, actor, id, err)
		}
		return nil, err
	}
	// the approval is only official once recorded; execution does not
	// start on the strength of an unrecorded approval
	if aerr := p.auditStrict(audit.TypeProposalApproved, actor, id, prop); aerr != nil {
		return nil, aerr
	}

	order, err := p.executeNow(ctx, prop.Request, prop.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Proposal: prop, Order: order}, nil
}

// Reject closes a pending proposal without a token.
func (p *Pipeline) Reject(id, reason, actor string) (*proposal.Proposal, error) {
	prop, err := p.proposals.Reject(id, reason)
	if err != nil {
		return nil, err
	}
	p.audit(audit.TypeProposalRejected, actor, id, prop)
	return prop, nil
}

// Pending lists live proposals with their tokens redacted.
func (p *Pipeline) Pending() []*proposal.Proposal {
	return p.proposals.ListPending()
}

// Halt trips the kill switch. Orders already past the pre-sign check
// settle in place; nothing new starts.
func (p *Pipeline) Halt(actor, reason string) {
	p.kill.Halt()
	p.audit(audit.TypeHalt, actor, "", reason)
	p.log.WithFields(logrus.Fields{"actor": actor, "reason": reason}).Warn("trading halted")
}

func (p *Pipeline) Resume(actor string) {
	p.kill.Resume()
	p.audit(audit.TypeResume, actor, "", nil)
	p.log.WithFields(logrus.Fields{"actor": actor}).Info("trading resumed")
}

func (p *Pipeline) Halted() bool { return p.kill.Halted() }

func (p *Pipeline) Audit() *audit.Log { return p.auditLog }

// executeNow is the last stop before the venue. The halt switch is
// re-checked here so a halt between approval and execution wins.
func (p *Pipeline) executeNow(ctx context.Context, req domain.TradeRequest, proposalID string) (*domain.Order, error) {
	fp := req.Fingerprint()
	if p.kill.Halted() {
		err := errs.Risk(errs.CodeTradingHalted, "trading halted before execution")
		p.audit(audit.TypeRiskDenied, req.CallerKey, fp, err)
		return nil, err
	}

	order, err := p.router.Execute(ctx, req)
	if err != nil {
		p.kill.OnError()
		if order != nil {
			p.audit(audit.TypeOrderFailed, req.CallerKey, order.ID, order)
		} else {
			p.audit(audit.TypeOrderFailed, req.CallerKey, fp, err)
		}
		return order, err
	}

	p.kill.OnSuccess()
	p.states.ApplyFill(portfolioKey(req), order, decimal.Zero)

	if proposalID != "" {
		if _, merr := p.proposals.MarkExecuted(proposalID, order.ID); merr != nil {
			p.log.WithFields(logrus.Fields{"proposal": proposalID, "error": merr}).
				Warn("mark executed failed")
		}
	}

	// the execution is not complete until it is in the chain; risk
	// state and the proposal already reflect the fill, but the caller
	// sees a system error instead of a clean success
	if aerr := p.auditStrict(audit.TypeOrderPlaced, req.CallerKey, order.ID, order); aerr != nil {
		return order, aerr
	}
	return order, nil
}

func portfolioKey(req domain.TradeRequest) string {
	if req.CallerKey != "" {
		return req.CallerKey
	}
	return defaultPortfolio
}

func (p *Pipeline) audit(eventType, actor, ref string, payload any) {
	if _, err := p.auditLog.Append(eventType, actor, ref, auditPayload(payload)); err != nil {
		p.log.WithFields(logrus.Fields{"type": eventType, "error": err}).Error("audit append failed")
	}
}

// auditStrict is for the events that make an action official: the
// caller must not report success unless the entry is durably recorded.
func (p *Pipeline) auditStrict(eventType, actor, ref string, payload any) error {
	if _, err := p.auditLog.Append(eventType, actor, ref, auditPayload(payload)); err != nil {
		p.log.WithFields(logrus.Fields{"type": eventType, "error": err}).Error("audit append failed")
		return errs.Internal("audit record for %s could not be written", eventType).WithCause(err)
	}
	return nil
}

func auditPayload(payload any) any {
	if err, ok := payload.(error); ok {
		return map[string]string{"error": err.Error(), "code": errs.CodeOf(err)}
	}
	return payload
}
