// Package runner executes program images and records the outcomes.
//
// The runner is responsible for:
// - Booting a machine from an image with the host services installed
// - Driving the step loop under a budget and a context
// - Capturing guest output with a size cap
// - Writing run records and step traces to the trace store
//
// A program that halts, faults, or parks on an unhandled trap is a
// successful run from the runner's point of view; the outcome lives
// in the Result. Execute returns an error only for host-side
// failures such as a bad image, storage trouble, or cancellation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/hostcall"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/store"
	"github.com/ternvm/tern/pkg/trace"
	"github.com/ternvm/tern/pkg/vm"
)

var (
	ErrNoImageStore = errors.New("runner has no image store")
)

// Defaults.
const (
	DefaultStepBudget = 10_000_000
	DefaultMaxOutput  = 1 << 20
	DefaultTraceBatch = 1024

	ctxCheckInterval = 4096
)

// Config holds runner configuration.
type Config struct {
	// StepBudget caps instructions per run. Zero means unlimited.
	StepBudget uint64

	// CaptureOutput buffers guest writes into the run record.
	CaptureOutput bool

	// MaxOutputBytes caps the captured output. The guest still sees
	// its writes succeed past the cap; the excess is dropped.
	MaxOutputBytes int

	// RecordTrace writes one event per executed instruction to the
	// trace store.
	RecordTrace bool

	// TraceBatch is how many step events are buffered per flush.
	TraceBatch int

	// Now supplies timestamps and the guest clock. Pinning it makes
	// runs reproducible.
	Now func() time.Time

	// OnStart is called once the machine is booted, before the first
	// step.
	OnStart func(runID types.RunID, imageID types.ImageID)

	// OnComplete is called after each run is recorded.
	OnComplete func(*Result)
}

// DefaultConfig returns the production runner configuration.
func DefaultConfig() Config {
	return Config{
		StepBudget:     DefaultStepBudget,
		CaptureOutput:  true,
		MaxOutputBytes: DefaultMaxOutput,
		TraceBatch:     DefaultTraceBatch,
	}
}

// Result is the outcome of one run.
type Result struct {
	RunID     types.RunID
	ImageID   types.ImageID
	Status    vm.Status
	Registers vm.Registers
	Output    []byte
	Truncated bool
	Traced    bool
	StartedAt time.Time
	Duration  time.Duration
}

// Runner executes images. It is safe for concurrent use; every run
// gets its own machine.
type Runner struct {
	images *store.Store
	traces *trace.Store
	config Config
}

// New builds a runner. Both stores may be nil: without an image
// store only Execute works, without a trace store nothing is
// recorded.
func New(images *store.Store, traces *trace.Store, config Config) *Runner {
	if config.TraceBatch <= 0 {
		config.TraceBatch = DefaultTraceBatch
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultMaxOutput
	}
	return &Runner{images: images, traces: traces, config: config}
}

func (r *Runner) now() time.Time {
	if r.config.Now != nil {
		return r.config.Now()
	}
	return time.Now()
}

// ExecuteStored loads an image from the store and executes it.
func (r *Runner) ExecuteStored(ctx context.Context, id types.ImageID) (*Result, error) {
	if r.images == nil {
		return nil, ErrNoImageStore
	}
	img, err := r.images.Get(id)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, img)
}

// Execute runs one image to completion.
func (r *Runner) Execute(ctx context.Context, img *image.Image) (*Result, error) {
	imageID, err := img.ID()
	if err != nil {
		return nil, err
	}

	var out *cappedWriter
	host := &hostcall.Host{Now: r.config.Now}
	if r.config.CaptureOutput {
		out = &cappedWriter{max: r.config.MaxOutputBytes}
		host.Stdout = out
		host.Stderr = out
	}

	m, err := img.NewMachine(&vm.Opts{
		StepBudget: r.config.StepBudget,
		Traps:      host.Registry(),
	})
	if err != nil {
		return nil, fmt.Errorf("boot image %s: %w", imageID.Short(), err)
	}

	runID := types.NewRunID()
	tracing := r.config.RecordTrace && r.traces != nil
	started := r.now()

	if r.config.OnStart != nil {
		r.config.OnStart(runID, imageID)
	}

	var events []trace.StepEvent
	flush := func() error {
		if len(events) == 0 {
			return nil
		}
		if err := r.traces.AppendSteps(runID, events); err != nil {
			return err
		}
		events = events[:0]
		return nil
	}

	for {
		var ev trace.StepEvent
		if tracing {
			ev = trace.StepEvent{Index: m.Steps(), PC: uint64(m.PC()), Word: wordAt(m)}
		}

		res, _ := m.Step()

		// A faulting instruction executed nothing, so it does not
		// join the trace; the fault itself lives in the run record.
		if tracing && res != vm.StepFaulted {
			events = append(events, ev)
			if len(events) >= r.config.TraceBatch {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}

		if res != vm.StepContinue {
			break
		}
		if m.Steps()%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("run %s: %w", runID, err)
			}
		}
	}

	duration := r.now().Sub(started)
	result := &Result{
		RunID:     runID,
		ImageID:   imageID,
		Status:    m.Status(),
		Registers: m.Registers(),
		StartedAt: started,
		Duration:  duration,
		Traced:    tracing,
	}
	if out != nil {
		result.Output = out.bytes()
		result.Truncated = out.dropped > 0
	}

	if r.traces != nil {
		if err := flush(); err != nil {
			return nil, err
		}
		if err := r.traces.PutRun(recordOf(result)); err != nil {
			return nil, err
		}
	}

	log.Printf("[Runner] run %s image %s: %s in %d steps",
		runID.Short(), imageID.Short(), result.Status, result.Status.Steps)

	if r.config.OnComplete != nil {
		r.config.OnComplete(result)
	}
	return result, nil
}

func recordOf(res *Result) *trace.RunRecord {
	rec := &trace.RunRecord{
		RunID:     res.RunID,
		ImageID:   res.ImageID,
		State:     res.Status.State,
		ExitCode:  res.Status.ExitCode,
		TrapCode:  res.Status.TrapCode,
		Steps:     res.Status.Steps,
		Output:    res.Output,
		Registers: res.Registers,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
	}
	if res.Status.Fault != nil {
		rec.Fault = res.Status.Fault.Error()
	}
	return rec
}

func wordAt(m *vm.Machine) uint64 {
	pc := m.PC()
	prog := m.Program()
	if pc < 0 || pc >= int64(len(prog)) {
		return 0
	}
	return uint64(prog[pc])
}

// cappedWriter keeps the first max bytes and counts the rest. It
// reports full writes so the guest contract is unaffected by the
// capture limit.
type cappedWriter struct {
	buf     []byte
	max     int
	dropped int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	room := w.max - len(w.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		w.buf = append(w.buf, p[:room]...)
	}
	w.dropped += len(p) - room
	return len(p), nil
}

func (w *cappedWriter) bytes() []byte {
	return w.buf
}
