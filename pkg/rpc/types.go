// Package rpc provides JSON-RPC 2.0 types for the tern API.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/runner"
	"github.com/ternvm/tern/pkg/store"
	"github.com/ternvm/tern/pkg/trace"
	"github.com/ternvm/tern/pkg/vm"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for program and output bytes on the wire.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// ExecuteConfig configures executeProgram and runProgram requests.
type ExecuteConfig struct {
	// Encoding of the program bytes parameter.
	Encoding Encoding `json:"encoding,omitempty"`

	// StepBudget overrides the server's budget for this run.
	StepBudget *uint64 `json:"stepBudget,omitempty"`

	// Trace records per-step events for this run.
	Trace bool `json:"trace,omitempty"`
}

// SubmitConfig configures submitProgram requests.
type SubmitConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// ProgramConfig configures getProgram requests.
type ProgramConfig struct {
	// Encoding for the returned program bytes.
	Encoding Encoding `json:"encoding,omitempty"`

	// WithData includes the serialized program in the response.
	WithData bool `json:"withData,omitempty"`
}

// StepsConfig configures getSteps requests.
type StepsConfig struct {
	From  uint64 `json:"from,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ProgramSummary describes a stored program.
type ProgramSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Size      int       `json:"size"`
	CodeSlots int       `json:"codeSlots"`
	DataLen   int       `json:"dataLen"`
	MemSize   uint64    `json:"memSize"`
	Entry     uint64    `json:"entry"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProgramDetail is a summary plus, when requested, the serialized
// program as a [data, encoding] tuple.
type ProgramDetail struct {
	ProgramSummary
	Data interface{} `json:"data,omitempty"`
}

// RunResult describes one execution outcome.
type RunResult struct {
	RunID      string    `json:"runId"`
	ProgramID  string    `json:"programId"`
	State      string    `json:"state"`
	ExitCode   int32     `json:"exitCode"`
	TrapCode   uint32    `json:"trapCode,omitempty"`
	Fault      string    `json:"fault,omitempty"`
	Steps      uint64    `json:"steps"`
	Output     string    `json:"output,omitempty"`
	Truncated  bool      `json:"truncated,omitempty"`
	Registers  []uint64  `json:"registers,omitempty"`
	Seq        uint64    `json:"seq,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs float64   `json:"durationMs"`
	Traced     bool      `json:"traced,omitempty"`
}

// StepInfo is one traced instruction.
type StepInfo struct {
	Index uint64 `json:"index"`
	PC    uint64 `json:"pc"`
	Word  string `json:"word"`
	Asm   string `json:"asm"`
}

// DisasmInfo is the assembly listing of a stored program.
type DisasmInfo struct {
	ID    string `json:"id"`
	Slots int    `json:"slots"`
	Asm   string `json:"asm"`
}

// VersionInfo represents node version information.
type VersionInfo struct {
	TernCore   string `json:"tern-core"`
	FeatureSet uint64 `json:"feature-set,omitempty"`
}

// StatsInfo represents service counters.
type StatsInfo struct {
	Programs int    `json:"programs"`
	Runs     uint64 `json:"runs"`
}

func programSummary(m *store.Meta) ProgramSummary {
	return ProgramSummary{
		ID:        m.ID.String(),
		Name:      m.Name,
		Size:      m.Size,
		CodeSlots: m.CodeSlots,
		DataLen:   m.DataLen,
		MemSize:   m.MemSize,
		Entry:     m.Entry,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
	}
}

func runResult(rec *trace.RunRecord) RunResult {
	out := RunResult{
		RunID:      rec.RunID.String(),
		ProgramID:  rec.ImageID.String(),
		State:      rec.State.String(),
		ExitCode:   rec.ExitCode,
		TrapCode:   rec.TrapCode,
		Fault:      rec.Fault,
		Steps:      rec.Steps,
		Registers:  rec.Registers[:],
		Seq:        rec.Seq,
		StartedAt:  rec.StartedAt,
		DurationMs: float64(rec.Duration) / float64(time.Millisecond),
	}
	if len(rec.Output) > 0 {
		out.Output = EncodeBase64(rec.Output)
	}
	return out
}

func execResult(res *runner.Result) RunResult {
	out := RunResult{
		RunID:      res.RunID.String(),
		ProgramID:  res.ImageID.String(),
		State:      res.Status.State.String(),
		ExitCode:   res.Status.ExitCode,
		TrapCode:   res.Status.TrapCode,
		Steps:      res.Status.Steps,
		Truncated:  res.Truncated,
		Registers:  res.Registers[:],
		StartedAt:  res.StartedAt,
		DurationMs: float64(res.Duration) / float64(time.Millisecond),
		Traced:     res.Traced,
	}
	if res.Status.Fault != nil {
		out.Fault = res.Status.Fault.Error()
	}
	if len(res.Output) > 0 {
		out.Output = EncodeBase64(res.Output)
	}
	return out
}

func stepInfo(ev trace.StepEvent) StepInfo {
	ins := vm.Instruction(ev.Word)
	return StepInfo{
		Index: ev.Index,
		PC:    ev.PC,
		Word:  instructionWord(ev.Word),
		Asm:   ins.String(),
	}
}

// idString is a small helper for error payloads.
func idString(id types.ImageID) string { return id.String() }
