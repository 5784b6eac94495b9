// Package audit keeps an append-only, hash-chained record of every
// governance decision. Each entry hashes its predecessor, so deleting
// or editing any row breaks verification at that offset.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/readytrader/gateway/pkg/clock"
	"github.com/readytrader/gateway/pkg/logger"
)

// Event types recorded by the pipeline.
const (
	TypeTradeSubmitted   = "trade_submitted"
	TypeAdmissionDenied  = "admission_denied"
	TypeRiskDenied       = "risk_denied"
	TypePolicyDenied     = "policy_denied"
	TypeProposalCreated  = "proposal_created"
	TypeProposalApproved = "proposal_approved"
	TypeProposalRejected = "proposal_rejected"
	TypeProposalExpired  = "proposal_expired"
	TypeOrderPlaced      = "order_placed"
	TypeOrderFailed      = "order_failed"
	TypeHalt             = "halt"
	TypeResume           = "resume"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one link in the chain. Hash covers PrevHash and the
// canonical encoding of every other field.
type Entry struct {
	Seq           uint64    `json:"seq"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
	Actor         string    `json:"actor"`
	Ref           string    `json:"ref"` // proposal id, order id, or fingerprint
	PayloadDigest string    `json:"payload_digest"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq            INTEGER PRIMARY KEY,
	ts             INTEGER NOT NULL,
	type           TEXT NOT NULL,
	actor          TEXT NOT NULL,
	ref            TEXT NOT NULL,
	payload_digest TEXT NOT NULL,
	prev_hash      TEXT NOT NULL,
	hash           TEXT NOT NULL
);`

// Log is the chain head plus storage. Append is synchronous with the
// decision it records: the pipeline step does not complete until its
// entry is linked.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	lastHash string
	seq      uint64
	db       *sql.DB
	clk      clock.Clock
	log      *logrus.Entry
}

// Open creates the log, resuming the chain head from the database when
// a path is given. An empty path keeps the chain in memory only.
func Open(path string, clk clock.Clock) (*Log, error) {
	l := &Log{lastHash: genesisHash, clk: clk, log: logger.Component("audit")}
	if path == "" {
		return l, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open audit db")
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "create audit schema")
	}
	l.db = db
	if err := l.resume(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *Log) resume() error {
	rows, err := l.db.Query(`SELECT seq, ts, type, actor, ref, payload_digest, prev_hash, hash
		FROM audit_log ORDER BY seq`)
	if err != nil {
		return pkgerrors.Wrap(err, "load audit chain")
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.Seq, &ts, &e.Type, &e.Actor, &e.Ref,
			&e.PayloadDigest, &e.PrevHash, &e.Hash); err != nil {
			return pkgerrors.Wrap(err, "scan audit row")
		}
		e.Time = time.UnixMilli(ts)
		l.entries = append(l.entries, e)
	}
	if n := len(l.entries); n > 0 {
		l.seq = l.entries[n-1].Seq
		l.lastHash = l.entries[n-1].Hash
	}
	return nil
}

// Append links a new entry. The payload itself is not stored, only its
// digest; the caller keeps the full record elsewhere.
func (l *Log) Append(eventType, actor, ref string, payload any) (Entry, error) {
	digest, err := digestPayload(payload)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:           l.seq + 1,
		Time:          l.clk.Now(),
		Type:          eventType,
		Actor:         actor,
		Ref:           ref,
		PayloadDigest: digest,
		PrevHash:      l.lastHash,
	}
	e.Hash = chainHash(e)

	if l.db != nil {
		if _, err := l.db.Exec(`INSERT INTO audit_log
			(seq, ts, type, actor, ref, payload_digest, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Seq, e.Time.UnixMilli(), e.Type, e.Actor, e.Ref,
			e.PayloadDigest, e.PrevHash, e.Hash); err != nil {
			return Entry{}, pkgerrors.Wrap(err, "persist audit entry")
		}
	}

	l.entries = append(l.entries, e)
	l.seq = e.Seq
	l.lastHash = e.Hash
	return e, nil
}

// Entries returns a copy of the chain.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Verify folds over the chain and reports the first broken offset, or
// -1 when the chain is intact.
func (l *Log) Verify() (ok bool, brokenAt int) {
	return Verify(l.Entries())
}

// Verify is a pure check over a snapshot of entries: no state, no
// clock, no storage.
func Verify(entries []Entry) (ok bool, brokenAt int) {
	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev || e.Hash != chainHash(e) {
			return false, i
		}
		prev = e.Hash
	}
	return true, -1
}

// ExportCSV writes the chain in a fixed column order.
func (l *Log) ExportCSV(w io.Writer) error {
	entries := l.Entries()
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"seq", "time", "type", "actor", "ref", "payload_digest", "prev_hash", "hash"}); err != nil {
		return pkgerrors.Wrap(err, "write csv header")
	}
	for _, e := range entries {
		rec := []string{
			strconv.FormatUint(e.Seq, 10),
			e.Time.UTC().Format(time.RFC3339Nano),
			e.Type, e.Actor, e.Ref, e.PayloadDigest, e.PrevHash, e.Hash,
		}
		if err := cw.Write(rec); err != nil {
			return pkgerrors.Wrap(err, "write csv row")
		}
	}
	cw.Flush()
	return pkgerrors.Wrap(cw.Error(), "flush csv")
}

// chainHash covers the predecessor hash and a canonical pipe-joined
// encoding of the entry fields. Field order is fixed; changing it
// would invalidate every existing chain.
func chainHash(e Entry) string {
	canonical := fmt.Sprintf("%d|%d|%s|%s|%s|%s",
		e.Seq, e.Time.UnixMilli(), e.Type, e.Actor, e.Ref, e.PayloadDigest)
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

func digestPayload(payload any) (string, error) {
	if payload == nil {
		return hex.EncodeToString(sha256.New().Sum(nil)), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", pkgerrors.Wrap(err, "marshal audit payload")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
