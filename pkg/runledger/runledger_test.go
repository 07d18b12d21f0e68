package runledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "runs.db")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testRecord(id types.ProgramID, status Status, consumed uint64) *Record {
	return &Record{
		ProgramID: id,
		Name:      "prog.bin",
		Backend:   "interp",
		Status:    status,
		Consumed:  consumed,
		Budget:    1 << 20,
		Duration:  5 * time.Millisecond,
	}
}

func TestAppendGet(t *testing.T) {
	l := openLedger(t)

	id := types.ComputeProgramID([]byte("object"))
	rec := &Record{
		ProgramID: id,
		Name:      "adder.o",
		Backend:   "jit",
		Status:    StatusOK,
		R0:        42,
		Consumed:  17,
		Budget:    1000,
		InputSize: 64,
		Duration:  3 * time.Millisecond,
		StartedAt: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC),
	}

	seq, err := l.Append(rec)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("first seq = %d, want 1", seq)
	}

	got, err := l.Get(seq)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Seq != 1 || got.ProgramID != id || got.Name != "adder.o" {
		t.Error("identity fields do not round trip")
	}
	if got.Backend != "jit" || got.Status != StatusOK || got.R0 != 42 {
		t.Error("outcome fields do not round trip")
	}
	if got.Consumed != 17 || got.Budget != 1000 || got.InputSize != 64 {
		t.Error("cost fields do not round trip")
	}
	if got.Duration != 3*time.Millisecond || !got.StartedAt.Equal(rec.StartedAt) {
		t.Error("timing fields do not round trip")
	}

	if _, err := l.Get(99); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get(99) = %v, want ErrRunNotFound", err)
	}
}

func TestAppendFillsStartedAt(t *testing.T) {
	l := openLedger(t)

	rec := testRecord(types.ProgramID{}, StatusOK, 1)
	if _, err := l.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if rec.StartedAt.IsZero() {
		t.Error("Append left StartedAt zero")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"clean", nil, StatusOK},
		{"budget", vm.ErrOutOfInstructions, StatusOutOfBudget},
		{"wrapped budget", fmt.Errorf("run: %w", vm.ErrOutOfInstructions), StatusOutOfBudget},
		{"access fault", vm.ErrAccessViolation, StatusFault},
		{"division fault", vm.ErrDivisionByZero, StatusFault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusOf(tc.err); got != tc.want {
				t.Errorf("StatusOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRecent(t *testing.T) {
	l := openLedger(t)

	id := types.ComputeProgramID([]byte("recent"))
	for i := uint64(1); i <= 5; i++ {
		rec := testRecord(id, StatusOK, i)
		rec.R0 = i
		if _, err := l.Append(rec); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	recs, err := l.Recent(3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Recent(3) returned %d records", len(recs))
	}
	for i, wantSeq := range []uint64{5, 4, 3} {
		if recs[i].Seq != wantSeq {
			t.Errorf("recs[%d].Seq = %d, want %d", i, recs[i].Seq, wantSeq)
		}
	}

	if recs, _ := l.Recent(0); recs != nil {
		t.Error("Recent(0) returned records")
	}
	if recs, _ := l.Recent(100); len(recs) != 5 {
		t.Errorf("Recent(100) returned %d records, want 5", len(recs))
	}
}

func TestByProgram(t *testing.T) {
	l := openLedger(t)

	a := types.ComputeProgramID([]byte("program a"))
	b := types.ComputeProgramID([]byte("program b"))

	for i := 0; i < 3; i++ {
		if _, err := l.Append(testRecord(a, StatusOK, 1)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := l.Append(testRecord(b, StatusFault, 1)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	recs, err := l.ByProgram(a, 2)
	if err != nil {
		t.Fatalf("ByProgram failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ByProgram(a, 2) returned %d records", len(recs))
	}
	if recs[0].Seq != 3 || recs[1].Seq != 2 {
		t.Errorf("seqs = %d, %d, want 3, 2", recs[0].Seq, recs[1].Seq)
	}
	for _, r := range recs {
		if r.ProgramID != a {
			t.Error("ByProgram returned a foreign record")
		}
	}

	recs, err = l.ByProgram(b, 10)
	if err != nil {
		t.Fatalf("ByProgram failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != StatusFault {
		t.Errorf("ByProgram(b) = %d records, want the single fault", len(recs))
	}

	unknown := types.ComputeProgramID([]byte("never ran"))
	if recs, _ := l.ByProgram(unknown, 10); len(recs) != 0 {
		t.Error("ByProgram(unknown) returned records")
	}
}

func TestStats(t *testing.T) {
	l := openLedger(t)

	id := types.ComputeProgramID([]byte("stats"))
	for _, r := range []*Record{
		testRecord(id, StatusOK, 10),
		testRecord(id, StatusOK, 20),
		testRecord(id, StatusFault, 30),
		testRecord(id, StatusOutOfBudget, 40),
	} {
		if _, err := l.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 4 || stats.OK != 2 || stats.Faults != 1 || stats.OutOfBudget != 1 {
		t.Errorf("counts = %d/%d/%d/%d, want 4/2/1/1",
			stats.Total, stats.OK, stats.Faults, stats.OutOfBudget)
	}
	if stats.TotalConsumed != 100 {
		t.Errorf("TotalConsumed = %d, want 100", stats.TotalConsumed)
	}
	if stats.DatabaseSize <= 0 {
		t.Error("DatabaseSize is not positive")
	}
}

func TestPrune(t *testing.T) {
	l := openLedger(t)

	id := types.ComputeProgramID([]byte("prune"))
	for i := 0; i < 5; i++ {
		if _, err := l.Append(testRecord(id, StatusOK, 10)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	pruned, err := l.Prune(2)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned = %d, want 3", pruned)
	}

	if _, err := l.Get(1); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get(1) after prune = %v, want ErrRunNotFound", err)
	}
	recs, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 2 || recs[0].Seq != 5 || recs[1].Seq != 4 {
		t.Errorf("Recent after prune returned %d records", len(recs))
	}

	byProg, _ := l.ByProgram(id, 10)
	if len(byProg) != 2 {
		t.Errorf("ByProgram after prune = %d records, want 2", len(byProg))
	}

	stats, _ := l.Stats()
	if stats.Total != 2 || stats.OK != 2 || stats.TotalConsumed != 20 {
		t.Errorf("stats after prune = %d/%d/%d, want 2/2/20",
			stats.Total, stats.OK, stats.TotalConsumed)
	}

	// Pruning within the retention window is a no-op.
	if pruned, _ := l.Prune(10); pruned != 0 {
		t.Errorf("second prune removed %d records", pruned)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	l, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id := types.ComputeProgramID([]byte("persist"))
	for i := 0; i < 2; i++ {
		if _, err := l.Append(testRecord(id, StatusOK, 5)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	stats, err := reopened.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.TotalConsumed != 10 {
		t.Errorf("stats after reopen = %d/%d, want 2/10", stats.Total, stats.TotalConsumed)
	}

	// Sequence numbering continues across reopen.
	seq, err := reopened.Append(testRecord(id, StatusOK, 5))
	if err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", seq)
	}
}

func TestClosed(t *testing.T) {
	l, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "runs.db")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := l.Append(testRecord(types.ProgramID{}, StatusOK, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append = %v, want ErrClosed", err)
	}
	if _, err := l.Get(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Get = %v, want ErrClosed", err)
	}
	if _, err := l.Recent(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Recent = %v, want ErrClosed", err)
	}
	if _, err := l.Stats(); !errors.Is(err, ErrClosed) {
		t.Errorf("Stats = %v, want ErrClosed", err)
	}
	if err := l.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}
