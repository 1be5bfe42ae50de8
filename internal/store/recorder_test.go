package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"microgrid-sim/pkg/types"
)

func TestRecorderFlowLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	r.Record(types.FlowRecord{
		SupplierID: "u1", ConsumerID: "u2",
		Amount: 5, Price: 30,
		Mode: types.ModeMarket, Datetime: "0:7",
	})
	r.Record(types.FlowRecord{
		SupplierID: "external", ConsumerID: "u2",
		Amount: 2, Price: 50,
		Mode: types.ModeFromExternal, Datetime: "0:7",
	})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "flows.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var records []types.FlowRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec types.FlowRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Amount != 5 || records[1].Mode != types.ModeFromExternal {
		t.Errorf("records = %+v", records)
	}
}

func TestRecorderSaveBills(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	bills := map[string]decimal.Decimal{
		"u1": decimal.NewFromFloat(123.45),
		"u2": decimal.NewFromInt(0),
	}
	if err := r.SaveBills(bills); err != nil {
		t.Fatalf("SaveBills: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "bills.json"))
	if err != nil {
		t.Fatalf("read bills: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["u1"] != "123.45" || got["u2"] != "0" {
		t.Errorf("bills = %v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "bills.json.tmp")); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
}

func TestRecorderTruncatesOnOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	r.Record(types.FlowRecord{Amount: 1, Datetime: "0:0"})
	r.Close()

	r, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	r.Close()

	data, err := os.ReadFile(filepath.Join(dir, "flows.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("reopened log should be empty, has %d bytes", len(data))
	}
}
