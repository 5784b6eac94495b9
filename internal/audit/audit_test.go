package audit

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/readytrader/gateway/pkg/clock"
)

func openMemLog(t *testing.T) *Log {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l, err := Open("", clk)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(TypeTradeSubmitted, "agent-1", "ref", map[string]int{"i": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAuditChainLinks(t *testing.T) {
	l := openMemLog(t)
	appendN(t, l, 5)

	entries := l.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatal("first entry must link to the genesis hash")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Fatalf("entry %d does not link to its predecessor", i)
		}
	}
	if ok, at := l.Verify(); !ok {
		t.Fatalf("fresh chain should verify, broke at %d", at)
	}
}

func TestAuditVerifyReportsFirstBrokenOffset(t *testing.T) {
	l := openMemLog(t)
	appendN(t, l, 6)

	entries := l.Entries()
	entries[3].PayloadDigest = "tampered"

	ok, at := Verify(entries)
	if ok {
		t.Fatal("tampered chain must not verify")
	}
	if at != 3 {
		t.Fatalf("expected break at offset 3, got %d", at)
	}

	// deleting a middle entry breaks the link at the splice point
	fresh := l.Entries()
	spliced := append(append([]Entry{}, fresh[:2]...), fresh[3:]...)
	ok, at = Verify(spliced)
	if ok || at != 2 {
		t.Fatalf("expected splice detected at offset 2, got ok=%v at=%d", ok, at)
	}
}

func TestAuditVerifyEmptyChain(t *testing.T) {
	if ok, at := Verify(nil); !ok || at != -1 {
		t.Fatalf("empty chain is trivially valid, got ok=%v at=%d", ok, at)
	}
}

func TestAuditResumeFromDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	l1, err := Open(dbPath, clk)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l1.Append(TypeOrderPlaced, "agent-1", "order", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	head := l1.Entries()[2].Hash
	l1.Close()

	l2, err := Open(dbPath, clk)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	e, err := l2.Append(TypeHalt, "operator", "", "reason")
	if err != nil {
		t.Fatalf("append after resume: %v", err)
	}
	if e.Seq != 4 || e.PrevHash != head {
		t.Fatalf("resumed chain must continue from the stored head, got seq=%d", e.Seq)
	}
	if ok, at := l2.Verify(); !ok {
		t.Fatalf("resumed chain should verify, broke at %d", at)
	}
}

func TestAuditCSVExport(t *testing.T) {
	l := openMemLog(t)
	appendN(t, l, 2)

	var buf bytes.Buffer
	if err := l.ExportCSV(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[0][0] != "seq" || records[0][7] != "hash" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][0] != "1" || records[2][0] != "2" {
		t.Fatal("rows must be in sequence order")
	}
}

func TestAuditPayloadDigestStable(t *testing.T) {
	l := openMemLog(t)

	a, _ := l.Append(TypeTradeSubmitted, "x", "r", map[string]string{"k": "v"})
	b, _ := l.Append(TypeTradeSubmitted, "x", "r", map[string]string{"k": "v"})
	if a.PayloadDigest != b.PayloadDigest {
		t.Fatal("identical payloads must digest identically")
	}
	c, _ := l.Append(TypeTradeSubmitted, "x", "r", map[string]string{"k": "other"})
	if c.PayloadDigest == a.PayloadDigest {
		t.Fatal("different payloads must digest differently")
	}
}
