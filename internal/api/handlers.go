package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
)

// submitRequest is the public trade submission body. Amounts travel as
// strings so callers never lose precision to float encoding.
type submitRequest struct {
	CallerKey      string  `json:"caller_key"`
	Venue          string  `json:"venue"`
	VenueName      string  `json:"venue_name"`
	Symbol         string  `json:"symbol"`
	Token          string  `json:"token"`
	Side           string  `json:"side"`
	Amount         string  `json:"amount"`
	Mode           string  `json:"mode"`
	IdempotencyKey string  `json:"idempotency_key"`
	Destination    string  `json:"destination"`
	ChainID        int64   `json:"chain_id"`
	Sentiment      float64 `json:"sentiment"`
	Rationale      string  `json:"rationale"`
}

func (r submitRequest) toDomain() (domain.TradeRequest, error) {
	var req domain.TradeRequest

	venue, err := domain.ParseVenueFamily(r.Venue)
	if err != nil {
		return req, errs.Validation(errs.CodeInvalidRequest, "venue: %v", err)
	}
	side, err := domain.ParseSide(r.Side)
	if err != nil {
		return req, errs.Validation(errs.CodeInvalidRequest, "side: %v", err)
	}
	mode, err := domain.ParseExecutionMode(r.Mode)
	if err != nil {
		return req, errs.Validation(errs.CodeInvalidRequest, "mode: %v", err)
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return req, errs.Validation(errs.CodeInvalidAmount, "amount %q is not a number", r.Amount)
	}

	return domain.TradeRequest{
		CallerKey:      r.CallerKey,
		Venue:          venue,
		VenueName:      r.VenueName,
		Symbol:         r.Symbol,
		Token:          r.Token,
		Side:           side,
		Amount:         amount,
		Mode:           mode,
		IdempotencyKey: r.IdempotencyKey,
		Destination:    r.Destination,
		ChainID:        r.ChainID,
		Sentiment:      r.Sentiment,
		Rationale:      r.Rationale,
	}, nil
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errs.Validation(errs.CodeInvalidRequest, "malformed body: %v", err))
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := s.pipeline.Submit(c.Request.Context(), req)
	if err != nil {
		if errs.IsCode(err, errs.CodeRateLimited) {
			retryAfter(c, s.limiter, req.CallerKey)
		}
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Proposal != nil {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"proposals": s.pipeline.Pending()})
}

type approveRequest struct {
	Token string `json:"token" binding:"required"`
	Actor string `json:"actor"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var body approveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errs.Validation(errs.CodeInvalidRequest, "malformed body: %v", err))
		return
	}
	result, err := s.pipeline.Approve(c.Request.Context(), c.Param("id"), body.Token, actorOf(body.Actor))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type rejectRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) handleReject(c *gin.Context) {
	var body rejectRequest
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "rejected by operator"
	}
	prop, err := s.pipeline.Reject(c.Param("id"), body.Reason, actorOf(body.Actor))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": prop})
}

func (s *Server) handleHalt(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "manual halt"
	}
	s.pipeline.Halt(actorOf(body.Actor), body.Reason)
	c.JSON(http.StatusOK, gin.H{"halted": true})
}

func (s *Server) handleResume(c *gin.Context) {
	var body struct {
		Actor string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)
	s.pipeline.Resume(actorOf(body.Actor))
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

type ingestRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Price    string `json:"price" binding:"required"`
	TsMillis int64  `json:"ts_ms"`
	Source   string `json:"source"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var body ingestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errs.Validation(errs.CodeInvalidRequest, "malformed body: %v", err))
		return
	}
	if err := s.ingest(body.Symbol, body.Price, body.TsMillis, body.Source); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Report(c.Request.Context())
	status := http.StatusOK
	if report.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleAuditVerify(c *gin.Context) {
	ok, brokenAt := s.pipeline.Audit().Verify()
	resp := gin.H{"ok": ok, "entries": len(s.pipeline.Audit().Entries())}
	if !ok {
		resp["broken_at"] = brokenAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAuditExport(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition",
		`attachment; filename="audit-`+time.Now().UTC().Format("20060102T150405Z")+`.csv"`)
	if err := s.pipeline.Audit().ExportCSV(c.Writer); err != nil {
		s.log.WithField("error", err).Error("audit export failed")
	}
}

func actorOf(actor string) string {
	if actor == "" {
		return "operator"
	}
	return actor
}
