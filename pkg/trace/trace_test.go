package trace

import (
	"errors"
	"testing"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/vm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(imageByte byte) *RunRecord {
	var imgID types.ImageID
	imgID[0] = imageByte
	rec := &RunRecord{
		RunID:     types.NewRunID(),
		ImageID:   imgID,
		State:     vm.StateHalted,
		ExitCode:  3,
		Steps:     17,
		Output:    []byte("hello\n"),
		StartedAt: time.Now().UTC().Truncate(time.Microsecond),
		Duration:  42 * time.Millisecond,
	}
	rec.Registers[0] = 99
	return rec
}

func TestPutGetRun(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord(1)
	if err := s.PutRun(rec); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if rec.Seq != 1 {
		t.Fatalf("seq = %d, want 1", rec.Seq)
	}

	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != vm.StateHalted || got.ExitCode != 3 || got.Steps != 17 {
		t.Fatalf("record = %+v", got)
	}
	if got.Registers[0] != 99 {
		t.Fatalf("registers lost: %+v", got.Registers)
	}
	if string(got.Output) != "hello\n" {
		t.Fatalf("output = %q", got.Output)
	}
	if !got.StartedAt.Equal(rec.StartedAt) {
		t.Fatalf("started at = %v, want %v", got.StartedAt, rec.StartedAt)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun(types.NewRunID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun missing = %v, want not found", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	var ids []types.RunID
	for i := 0; i < 4; i++ {
		rec := sampleRecord(byte(i))
		rec.ExitCode = int32(i)
		if err := s.PutRun(rec); err != nil {
			t.Fatalf("PutRun %d: %v", i, err)
		}
		ids = append(ids, rec.RunID)
	}

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("list = %d entries, want 4", len(runs))
	}
	for i, r := range runs {
		if r.RunID != ids[3-i] {
			t.Fatalf("entry %d = %s, want %s", i, r.RunID, ids[3-i])
		}
	}

	limited, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns limited: %v", err)
	}
	if len(limited) != 2 || limited[0].RunID != ids[3] {
		t.Fatalf("limited list wrong: %d entries", len(limited))
	}
}

func TestStepTrace(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord(7)
	if err := s.PutRun(rec); err != nil {
		t.Fatalf("PutRun: %v", err)
	}

	events := make([]StepEvent, 100)
	for i := range events {
		events[i] = StepEvent{Index: uint64(i), PC: uint64(i), Word: uint64(0xa0 + i)}
	}
	if err := s.AppendSteps(rec.RunID, events[:60]); err != nil {
		t.Fatalf("AppendSteps: %v", err)
	}
	if err := s.AppendSteps(rec.RunID, events[60:]); err != nil {
		t.Fatalf("AppendSteps rest: %v", err)
	}

	got, err := s.Steps(rec.RunID, 0, 0)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("steps = %d, want 100", len(got))
	}
	for i, ev := range got {
		if ev.Index != uint64(i) || ev.PC != uint64(i) || ev.Word != uint64(0xa0+i) {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}

	window, err := s.Steps(rec.RunID, 40, 10)
	if err != nil {
		t.Fatalf("Steps window: %v", err)
	}
	if len(window) != 10 || window[0].Index != 40 || window[9].Index != 49 {
		t.Fatalf("window = %+v", window)
	}

	// Another run's trace stays isolated.
	other := sampleRecord(8)
	if err := s.PutRun(other); err != nil {
		t.Fatalf("PutRun other: %v", err)
	}
	empty, err := s.Steps(other.RunID, 0, 0)
	if err != nil {
		t.Fatalf("Steps other: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("other run has %d events, want 0", len(empty))
	}
}

func TestDeleteRun(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord(9)
	if err := s.PutRun(rec); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if err := s.AppendSteps(rec.RunID, []StepEvent{{Index: 0, PC: 0, Word: 1}}); err != nil {
		t.Fatalf("AppendSteps: %v", err)
	}

	if err := s.DeleteRun(rec.RunID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.GetRun(rec.RunID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
	steps, err := s.Steps(rec.RunID, 0, 0)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("trace survived delete: %d events", len(steps))
	}
	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("index survived delete: %d entries", len(runs))
	}

	if err := s.DeleteRun(rec.RunID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want not found", err)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first := sampleRecord(1)
	second := sampleRecord(2)
	if err := s.PutRun(first); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if err := s.PutRun(second); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	third := sampleRecord(3)
	if err := again.PutRun(third); err != nil {
		t.Fatalf("PutRun after reopen: %v", err)
	}
	if third.Seq != 3 {
		t.Fatalf("seq after reopen = %d, want 3", third.Seq)
	}

	runs, err := again.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 || runs[0].RunID != third.RunID {
		t.Fatalf("listing after reopen wrong: %d entries", len(runs))
	}
}

func TestGC(t *testing.T) {
	s := openTestStore(t)
	if err := s.GC(); err != nil {
		t.Fatalf("GC on in-memory store: %v", err)
	}
}
