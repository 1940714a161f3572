package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/runner"
	"github.com/ternvm/tern/pkg/store"
	"github.com/ternvm/tern/pkg/trace"
	"github.com/ternvm/tern/pkg/vm"
)

// Version reported by getVersion.
const (
	coreVersion = "tern-core/1.0.0"
	featureSet  = 0
)

// Step listing bounds for getSteps.
const (
	defaultStepLimit = 1000
	maxStepLimit     = 10000
)

// parseArgs unmarshals the positional parameter array shared by every
// method that takes parameters.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("expected array of parameters")
	}
	return args, nil
}

// parseImageID parses a base58 program ID from a positional argument.
func parseImageID(arg json.RawMessage) (types.ImageID, *RPCError) {
	var idStr string
	if err := json.Unmarshal(arg, &idStr); err != nil {
		return types.ImageID{}, InvalidParamsError("program ID must be a string")
	}
	id, err := types.ImageIDFromBase58(idStr)
	if err != nil {
		return types.ImageID{}, InvalidParamsErrorf("invalid program ID: %v", err)
	}
	return id, nil
}

// parseRunID parses a base58 run ID from a positional argument.
func parseRunID(arg json.RawMessage) (types.RunID, *RPCError) {
	var idStr string
	if err := json.Unmarshal(arg, &idStr); err != nil {
		return types.RunID{}, InvalidParamsError("run ID must be a string")
	}
	id, err := types.RunIDFromBase58(idStr)
	if err != nil {
		return types.RunID{}, InvalidParamsErrorf("invalid run ID: %v", err)
	}
	return id, nil
}

// decodeImageArg decodes and deserializes a program image passed as
// an encoded string argument.
func decodeImageArg(arg json.RawMessage, encoding Encoding) (*image.Image, *RPCError) {
	var data string
	if err := json.Unmarshal(arg, &data); err != nil {
		return nil, InvalidParamsError("program data must be a string")
	}
	raw, err := DecodeData(data, encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("decode program data: %v", err)
	}
	img, err := image.Deserialize(raw)
	if err != nil {
		return nil, InvalidProgramError(err.Error())
	}
	return img, nil
}

// newRunner builds a runner for one request, applying per-request
// overrides on top of the server's base execution configuration.
func (s *Server) newRunner(config *ExecuteConfig) *runner.Runner {
	cfg := s.runConfig
	if config != nil {
		if config.StepBudget != nil {
			cfg.StepBudget = *config.StepBudget
		}
		if config.Trace {
			cfg.RecordTrace = true
		}
	}
	return runner.New(s.images, s.traces, cfg)
}

// executeProgram runs a program image supplied in the request body
// without storing it.
//
// Parameters: [data string, config ExecuteConfig?]
func (s *Server) executeProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing program data")
	}

	config := ExecuteConfig{Encoding: EncodingBase64}
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsErrorf("invalid config: %v", err)
		}
		if config.Encoding == "" {
			config.Encoding = EncodingBase64
		}
	}

	img, rpcErr := decodeImageArg(args[0], config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if config.Trace && s.traces == nil {
		return nil, ErrTraceNotAvailable
	}

	res, err := s.newRunner(&config).Execute(context.Background(), img)
	if err != nil {
		return nil, ExecutionFailedError(err.Error())
	}
	return execResult(res), nil
}

// submitProgram stores a program image and returns its summary.
//
// Parameters: [data string, config SubmitConfig?]
func (s *Server) submitProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing program data")
	}

	config := SubmitConfig{Encoding: EncodingBase64}
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsErrorf("invalid config: %v", err)
		}
		if config.Encoding == "" {
			config.Encoding = EncodingBase64
		}
	}

	img, rpcErr := decodeImageArg(args[0], config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	_, meta, err := s.images.Put(img)
	if err != nil {
		return nil, InternalServerErrorf("store program: %v", err)
	}
	return programSummary(meta), nil
}

// getProgram returns metadata for a stored program, optionally with
// the serialized image.
//
// Parameters: [id string, config ProgramConfig?]
func (s *Server) getProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing program ID")
	}

	id, rpcErr := parseImageID(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	config := ProgramConfig{Encoding: EncodingBase64}
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsErrorf("invalid config: %v", err)
		}
		if config.Encoding == "" {
			config.Encoding = EncodingBase64
		}
	}

	meta, err := s.images.GetMeta(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ProgramNotFoundError(idString(id))
		}
		return nil, InternalServerErrorf("get program: %v", err)
	}

	detail := ProgramDetail{ProgramSummary: programSummary(meta)}
	if config.WithData {
		img, err := s.images.Get(id)
		if err != nil {
			return nil, InternalServerErrorf("get program: %v", err)
		}
		raw, err := img.Serialize()
		if err != nil {
			return nil, InternalServerErrorf("serialize program: %v", err)
		}
		encoded, err := EncodeData(raw, config.Encoding)
		if err != nil {
			return nil, InternalServerErrorf("encode program: %v", err)
		}
		detail.Data = encoded
	}
	return detail, nil
}

// listPrograms returns stored program summaries, newest first.
//
// Parameters: [limit int?]
func (s *Server) listPrograms(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	limit := 0
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &limit); err != nil {
			return nil, InvalidParamsError("limit must be a number")
		}
	}

	metas, err := s.images.List(limit)
	if err != nil {
		return nil, InternalServerErrorf("list programs: %v", err)
	}

	summaries := make([]ProgramSummary, len(metas))
	for i, m := range metas {
		summaries[i] = programSummary(m)
	}
	return summaries, nil
}

// deleteProgram removes a stored program.
//
// Parameters: [id string]
func (s *Server) deleteProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing program ID")
	}

	id, rpcErr := parseImageID(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.images.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ProgramNotFoundError(idString(id))
		}
		return nil, InternalServerErrorf("delete program: %v", err)
	}
	return true, nil
}

// disassembleProgram returns the assembly listing of a stored program.
//
// Parameters: [id string]
func (s *Server) disassembleProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing program ID")
	}

	id, rpcErr := parseImageID(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	img, err := s.images.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ProgramNotFoundError(idString(id))
		}
		return nil, InternalServerErrorf("get program: %v", err)
	}

	instrs, err := img.Instructions()
	if err != nil {
		return nil, InvalidProgramError(err.Error())
	}

	return DisasmInfo{
		ID:    idString(id),
		Slots: len(img.Code) / 8,
		Asm:   vm.Disassemble(instrs),
	}, nil
}

// runProgram executes a stored program.
//
// Parameters: [id string, config ExecuteConfig?]
func (s *Server) runProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing program ID")
	}

	id, rpcErr := parseImageID(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config ExecuteConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsErrorf("invalid config: %v", err)
		}
	}

	if config.Trace && s.traces == nil {
		return nil, ErrTraceNotAvailable
	}

	res, err := s.newRunner(&config).ExecuteStored(context.Background(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ProgramNotFoundError(idString(id))
		}
		return nil, ExecutionFailedError(err.Error())
	}
	return execResult(res), nil
}

// getRun returns the record of one past execution.
//
// Parameters: [runId string]
func (s *Server) getRun(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing run ID")
	}

	id, rpcErr := parseRunID(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if s.traces == nil {
		return nil, ErrTraceNotAvailable
	}

	rec, err := s.traces.GetRun(id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return nil, RunNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("get run: %v", err)
	}
	return runResult(rec), nil
}

// listRuns returns past execution records, newest first.
//
// Parameters: [limit int?]
func (s *Server) listRuns(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	limit := 0
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &limit); err != nil {
			return nil, InvalidParamsError("limit must be a number")
		}
	}

	if s.traces == nil {
		return nil, ErrTraceNotAvailable
	}

	recs, err := s.traces.ListRuns(limit)
	if err != nil {
		return nil, InternalServerErrorf("list runs: %v", err)
	}

	results := make([]RunResult, len(recs))
	for i, rec := range recs {
		results[i] = runResult(rec)
	}
	return results, nil
}

// getSteps returns traced step events for a run.
//
// Parameters: [runId string, config StepsConfig?]
func (s *Server) getSteps(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing run ID")
	}

	id, rpcErr := parseRunID(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	config := StepsConfig{Limit: defaultStepLimit}
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsErrorf("invalid config: %v", err)
		}
		if config.Limit <= 0 || config.Limit > maxStepLimit {
			config.Limit = defaultStepLimit
		}
	}

	if s.traces == nil {
		return nil, ErrTraceNotAvailable
	}

	if _, err := s.traces.GetRun(id); err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return nil, RunNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("get run: %v", err)
	}

	events, err := s.traces.Steps(id, config.From, config.Limit)
	if err != nil {
		return nil, InternalServerErrorf("get steps: %v", err)
	}

	steps := make([]StepInfo, len(events))
	for i, ev := range events {
		steps[i] = stepInfo(ev)
	}
	return steps, nil
}

// deleteRun removes a run record and its trace.
//
// Parameters: [runId string]
func (s *Server) deleteRun(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing run ID")
	}

	id, rpcErr := parseRunID(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if s.traces == nil {
		return nil, ErrTraceNotAvailable
	}

	if err := s.traces.DeleteRun(id); err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return nil, RunNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("delete run: %v", err)
	}
	return true, nil
}

// getHealth returns "ok" when the node is healthy.
func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node software version.
func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		TernCore:   coreVersion,
		FeatureSet: featureSet,
	}, nil
}

// getStats returns service counters.
func (s *Server) getStats(params json.RawMessage) (interface{}, *RPCError) {
	stats := StatsInfo{Programs: s.images.Count()}
	if s.traces != nil {
		recs, err := s.traces.ListRuns(1)
		if err == nil && len(recs) > 0 {
			stats.Runs = recs[0].Seq
		}
	}
	return stats, nil
}
