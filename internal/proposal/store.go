package proposal

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/pkg/clock"
	"github.com/readytrader/gateway/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_proposals (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	confirm_token TEXT NOT NULL,
	request_json  TEXT NOT NULL,
	state         TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	decided_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_proposals_session ON execution_proposals(session_id, state);
CREATE INDEX IF NOT EXISTS idx_proposals_fingerprint ON execution_proposals(fingerprint);
`

// Store keeps proposals in memory with write-through persistence.
// Every proposal carries the boot session id generated at Open time;
// rows persisted by an earlier process are readable but can never be
// approved, because their session no longer matches.
type Store struct {
	mu     sync.Mutex
	byID   map[string]*Proposal
	byFP   map[string]string
	locks  map[string]*sync.Mutex
	db     *sql.DB
	ttl    time.Duration
	clk    clock.Clock
	log    *logrus.Entry
	sessID string
}

// Open creates a store bound to a fresh boot session. An empty path
// disables persistence.
func Open(path string, ttl time.Duration, clk clock.Clock) (*Store, error) {
	sessID, err := randomHex(8)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "generate boot session id")
	}
	s := &Store{
		byID:   make(map[string]*Proposal),
		byFP:   make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
		ttl:    ttl,
		clk:    clk,
		log:    logger.Component("proposal"),
		sessID: sessID,
	}
	if path != "" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "open proposal db")
		}
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, pkgerrors.Wrap(err, "create proposal schema")
		}
		s.db = db
	}
	s.log.WithFields(logrus.Fields{"session_id": sessID, "ttl": ttl}).Info("proposal store opened")
	return s, nil
}

func (s *Store) SessionID() string { return s.sessID }

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Create registers a pending proposal for the request. When a live
// proposal with the same fingerprint already exists the existing one
// is returned and the second return value is true; no new token is
// minted for a duplicate.
func (s *Store) Create(req domain.TradeRequest) (*Proposal, bool, error) {
	fp := req.Fingerprint()
	now := s.clk.Now()

	s.mu.Lock()
	if id, ok := s.byFP[fp]; ok {
		if p := s.byID[id]; p != nil && !p.State.Terminal() && !p.expired(now) {
			cp := *p
			s.mu.Unlock()
			return &cp, true, nil
		}
		delete(s.byFP, fp)
	}

	token, err := randomHex(16)
	if err != nil {
		s.mu.Unlock()
		return nil, false, pkgerrors.Wrap(err, "generate confirm token")
	}
	p := &Proposal{
		ID:           uuid.New().String(),
		SessionID:    s.sessID,
		Fingerprint:  fp,
		ConfirmToken: token,
		Request:      req,
		State:        StatePending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	s.byID[p.ID] = p
	s.byFP[fp] = p.ID
	s.locks[p.ID] = &sync.Mutex{}
	cp := *p
	s.mu.Unlock()

	if err := s.insert(p); err != nil {
		s.log.WithFields(logrus.Fields{"id": p.ID, "error": err}).Warn("proposal persist failed")
	}
	return &cp, false, nil
}

// Approve consumes the confirm token and moves the proposal to
// APPROVED. Expiry is checked before the token, so a late approval of
// an expired proposal reports expiry rather than leaking whether the
// token matched. The token slot is emptied when consumed and compared
// before any terminal-state check, so a replayed token fails with
// TOKEN_INVALID no matter how the first call ended.
func (s *Store) Approve(id, token string) (*Proposal, error) {
	p, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clk.Now()
	if p.SessionID != s.sessID {
		if p.State == StatePending {
			s.transition(p, StateExpired, "boot session changed", now)
		}
		return nil, errs.Execution(errs.CodeProposalExpired,
			"proposal %s belongs to a previous boot session", id)
	}
	if p.State == StateExpired || (p.State == StatePending && p.expired(now)) {
		if p.State == StatePending {
			s.transition(p, StateExpired, "ttl elapsed", now)
		}
		return nil, errs.Execution(errs.CodeProposalExpired, "proposal %s expired", id)
	}
	if p.ConfirmToken == "" ||
		subtle.ConstantTimeCompare([]byte(p.ConfirmToken), []byte(token)) != 1 {
		return nil, errs.Execution(errs.CodeTokenInvalid, "confirm token invalid for proposal %s", id)
	}
	if p.State != StatePending {
		// approval and rejection both clear the token and expiry is
		// handled above, so a matching token cannot reach this branch
		return nil, errs.Execution(errs.CodeProposalExpired,
			"proposal %s is %s, not pending", id, p.State)
	}

	p.ConfirmToken = ""
	s.transition(p, StateApproved, "", now)
	cp := *p
	return &cp, nil
}

// Reject moves a pending proposal to REJECTED. No token is required:
// rejection is the safe direction.
func (s *Store) Reject(id, reason string) (*Proposal, error) {
	p, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.State != StatePending {
		return nil, errs.Execution(errs.CodeProposalExpired,
			"proposal %s is %s, not pending", id, p.State)
	}
	p.ConfirmToken = ""
	s.transition(p, StateRejected, reason, s.clk.Now())
	cp := *p
	return &cp, nil
}

// MarkExecuted records the execution result on an approved proposal.
func (s *Store) MarkExecuted(id, result string) (*Proposal, error) {
	p, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.State != StateApproved {
		return nil, errs.Execution(errs.CodeProposalExpired,
			"proposal %s is %s, not approved", id, p.State)
	}
	p.Result = result
	s.transition(p, StateExecuted, "", s.clk.Now())
	cp := *p
	return &cp, nil
}

// Get returns a copy of the proposal, lazily expiring it first.
func (s *Store) Get(id string) (*Proposal, error) {
	p, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if p.State == StatePending && p.expired(s.clk.Now()) {
		s.transition(p, StateExpired, "ttl elapsed", s.clk.Now())
	}
	cp := *p
	return &cp, nil
}

// ListPending returns live pending proposals for the current boot
// session, merging persisted rows the in-memory map has not seen.
// Confirm tokens are redacted: the token travels only in the Create
// response.
func (s *Store) ListPending() []*Proposal {
	now := s.clk.Now()
	persisted := s.loadSessionPending()

	s.mu.Lock()
	for _, p := range persisted {
		if _, ok := s.byID[p.ID]; !ok {
			s.byID[p.ID] = p
			s.byFP[p.Fingerprint] = p.ID
			s.locks[p.ID] = &sync.Mutex{}
		}
	}
	out := make([]*Proposal, 0, len(s.byID))
	for _, p := range s.byID {
		if p.State != StatePending || p.expired(now) {
			continue
		}
		cp := *p
		cp.ConfirmToken = ""
		out = append(out, &cp)
	}
	s.mu.Unlock()
	return out
}

// acquire locates the proposal and takes its per-proposal lock. The
// store lock is released before the proposal lock is taken, so
// unrelated proposals never serialize on each other.
func (s *Store) acquire(id string) (*Proposal, func(), error) {
	s.mu.Lock()
	p, ok := s.byID[id]
	lk := s.locks[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, errs.Execution(errs.CodeProposalNotFound, "proposal %s not found", id)
	}
	lk.Lock()
	return p, lk.Unlock, nil
}

// transition mutates state under the caller-held proposal lock and
// writes through to the database.
func (s *Store) transition(p *Proposal, to State, reason string, now time.Time) {
	p.State = to
	p.Reason = reason
	p.DecidedAt = now
	if err := s.update(p); err != nil {
		s.log.WithFields(logrus.Fields{"id": p.ID, "state": to, "error": err}).
			Warn("proposal persist failed")
	}
	s.log.WithFields(logrus.Fields{"id": p.ID, "state": to}).Info("proposal transition")
}

func (s *Store) insert(p *Proposal) error {
	if s.db == nil {
		return nil
	}
	reqJSON, err := json.Marshal(p.Request)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal request")
	}
	_, err = s.db.Exec(`INSERT INTO execution_proposals
		(id, session_id, fingerprint, confirm_token, request_json, state, reason, result, created_at, expires_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.Fingerprint, p.ConfirmToken, string(reqJSON),
		string(p.State), p.Reason, p.Result,
		p.CreatedAt.UnixMilli(), p.ExpiresAt.UnixMilli(), unixOrZero(p.DecidedAt))
	return pkgerrors.Wrap(err, "insert proposal")
}

func (s *Store) update(p *Proposal) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`UPDATE execution_proposals
		SET confirm_token = ?, state = ?, reason = ?, result = ?, decided_at = ?
		WHERE id = ?`,
		p.ConfirmToken, string(p.State), p.Reason, p.Result, unixOrZero(p.DecidedAt), p.ID)
	return pkgerrors.Wrap(err, "update proposal")
}

func (s *Store) loadSessionPending() []*Proposal {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(`SELECT id, session_id, fingerprint, confirm_token, request_json,
		state, reason, result, created_at, expires_at, decided_at
		FROM execution_proposals WHERE session_id = ? AND state = ?`,
		s.sessID, string(StatePending))
	if err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("proposal query failed")
		return nil
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		var p Proposal
		var state, reqJSON string
		var created, expires, decided int64
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Fingerprint, &p.ConfirmToken, &reqJSON,
			&state, &p.Reason, &p.Result, &created, &expires, &decided); err != nil {
			s.log.WithFields(logrus.Fields{"error": err}).Warn("proposal scan failed")
			continue
		}
		if err := json.Unmarshal([]byte(reqJSON), &p.Request); err != nil {
			continue
		}
		p.State = State(state)
		p.CreatedAt = time.UnixMilli(created)
		p.ExpiresAt = time.UnixMilli(expires)
		if decided > 0 {
			p.DecidedAt = time.UnixMilli(decided)
		}
		out = append(out, &p)
	}
	return out
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
