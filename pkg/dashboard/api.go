package dashboard

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/store"
	"github.com/ternvm/tern/pkg/trace"
	"github.com/ternvm/tern/pkg/vm"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	IsRunning     bool    `json:"isRunning"`
	NodeStatus    string  `json:"nodeStatus"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	RunsExecuted  uint64  `json:"runsExecuted"`
	StepsExecuted uint64  `json:"stepsExecuted"`
	RunsPerSec    float64 `json:"runsPerSec"`
	AvgRunTimeMs  float64 `json:"avgRunTimeMs"`
	ProgramCount  int     `json:"programCount"`
	RPCAddress    string  `json:"rpcAddress,omitempty"`
	LastError     string  `json:"lastError,omitempty"`
}

// ProgramBrief is a brief program summary.
type ProgramBrief struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Size      int       `json:"size"`
	CodeSlots int       `json:"codeSlots"`
	MemSize   uint64    `json:"memSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProgramsListResponse is the response for GET /api/programs.
type ProgramsListResponse struct {
	Programs []ProgramBrief `json:"programs"`
	Count    int            `json:"count"`
}

// ProgramResponse is the response for GET /api/programs/:id.
type ProgramResponse struct {
	ProgramBrief
	DataLen int    `json:"dataLen"`
	Entry   uint64 `json:"entry"`
	Asm     string `json:"asm,omitempty"`
}

// RunBrief is a brief run summary.
type RunBrief struct {
	RunID      string    `json:"runId"`
	ProgramID  string    `json:"programId"`
	State      string    `json:"state"`
	ExitCode   int32     `json:"exitCode"`
	Steps      uint64    `json:"steps"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs float64   `json:"durationMs"`
}

// RunsListResponse is the response for GET /api/runs.
type RunsListResponse struct {
	Runs []RunBrief `json:"runs"`
}

// RunResponse is the response for GET /api/runs/:id.
type RunResponse struct {
	RunBrief
	TrapCode  uint32   `json:"trapCode,omitempty"`
	Fault     string   `json:"fault,omitempty"`
	Output    string   `json:"output,omitempty"`
	Registers []uint64 `json:"registers"`
}

// StepResponse is one traced step in GET /api/runs/:id/steps.
type StepResponse struct {
	Index uint64 `json:"index"`
	PC    uint64 `json:"pc"`
	Word  string `json:"word"`
	Asm   string `json:"asm"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	// Memory stats
	MemAlloc      uint64 `json:"memAlloc"`      // Currently allocated heap memory
	MemTotalAlloc uint64 `json:"memTotalAlloc"` // Total allocated (cumulative)
	MemSys        uint64 `json:"memSys"`        // Memory obtained from OS
	MemHeapInuse  uint64 `json:"memHeapInuse"`  // Heap memory in use
	NumGC         uint32 `json:"numGC"`         // Number of GC cycles

	// Runtime stats
	NumGoroutine int    `json:"numGoroutine"` // Number of goroutines
	NumCPU       int    `json:"numCPU"`       // Number of CPUs
	GoVersion    string `json:"goVersion"`    // Go version

	// Node stats
	ProgramCount  int     `json:"programCount"`
	RunsExecuted  uint64  `json:"runsExecuted"`
	StepsExecuted uint64  `json:"stepsExecuted"`
	Uptime        float64 `json:"uptimeSeconds"`
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := d.getStatusData()

	resp := StatusResponse{
		IsRunning:     getBool(data, "IsRunning"),
		NodeStatus:    getString(data, "NodeStatus"),
		Uptime:        formatDuration(getDuration(data, "Uptime")),
		UptimeSeconds: getDuration(data, "Uptime").Seconds(),
		RunsExecuted:  getUint64(data, "RunsExecuted"),
		StepsExecuted: getUint64(data, "StepsExecuted"),
		RunsPerSec:    getFloat64(data, "RunsPerSec"),
		AvgRunTimeMs:  getFloat64(data, "AvgRunTimeMs"),
		ProgramCount:  getInt(data, "ProgramCount"),
		RPCAddress:    getString(data, "RPCAddress"),
		LastError:     getString(data, "LastError"),
	}

	writeJSON(w, resp)
}

// handleAPIPrograms handles GET /api/programs.
func (d *Dashboard) handleAPIPrograms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := listLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	metas, err := d.images.List(limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := ProgramsListResponse{
		Programs: make([]ProgramBrief, len(metas)),
		Count:    d.images.Count(),
	}
	for i, m := range metas {
		resp.Programs[i] = programBrief(m)
	}

	writeJSON(w, resp)
}

// handleAPIProgram handles GET /api/programs/:id.
func (d *Dashboard) handleAPIProgram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/api/programs/")
	id, err := types.ImageIDFromBase58(idStr)
	if err != nil {
		writeError(w, "Invalid program ID", http.StatusBadRequest)
		return
	}

	meta, err := d.images.GetMeta(id)
	if err != nil {
		writeError(w, "Program not found", http.StatusNotFound)
		return
	}

	resp := ProgramResponse{
		ProgramBrief: programBrief(meta),
		DataLen:      meta.DataLen,
		Entry:        meta.Entry,
	}

	if img, err := d.images.Get(id); err == nil {
		if instrs, err := img.Instructions(); err == nil {
			resp.Asm = vm.Disassemble(instrs)
		}
	}

	writeJSON(w, resp)
}

// handleAPIRuns handles GET /api/runs.
func (d *Dashboard) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := listLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	recs, err := d.traces.ListRuns(limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := RunsListResponse{Runs: make([]RunBrief, len(recs))}
	for i, rec := range recs {
		resp.Runs[i] = runBrief(rec)
	}

	writeJSON(w, resp)
}

// handleAPIRun handles GET /api/runs/:id and /api/runs/:id/steps.
func (d *Dashboard) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.SplitN(rest, "/", 2)

	id, err := types.RunIDFromBase58(parts[0])
	if err != nil {
		writeError(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && parts[1] == "steps" {
		d.serveRunSteps(w, r, id)
		return
	}

	rec, err := d.traces.GetRun(id)
	if err != nil {
		writeError(w, "Run not found", http.StatusNotFound)
		return
	}

	resp := RunResponse{
		RunBrief:  runBrief(rec),
		TrapCode:  rec.TrapCode,
		Fault:     rec.Fault,
		Output:    printableOutput(rec.Output),
		Registers: rec.Registers[:],
	}

	writeJSON(w, resp)
}

// serveRunSteps writes the step trace slice for a run.
func (d *Dashboard) serveRunSteps(w http.ResponseWriter, r *http.Request, id types.RunID) {
	from := uint64(0)
	if f := r.URL.Query().Get("from"); f != "" {
		if parsed, err := strconv.ParseUint(f, 10, 64); err == nil {
			from = parsed
		}
	}

	limit := stepPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= stepPageSize {
			limit = parsed
		}
	}

	events, err := d.traces.Steps(id, from, limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	steps := make([]StepResponse, len(events))
	for i, ev := range events {
		steps[i] = StepResponse{
			Index: ev.Index,
			PC:    ev.PC,
			Word:  "0x" + strconv.FormatUint(ev.Word, 16),
			Asm:   vm.Instruction(ev.Word).String(),
		}
	}

	writeJSON(w, steps)
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := MetricsResponse{
		MemAlloc:      m.Alloc,
		MemTotalAlloc: m.TotalAlloc,
		MemSys:        m.Sys,
		MemHeapInuse:  m.HeapInuse,
		NumGC:         m.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		GoVersion:     runtime.Version(),
		ProgramCount:  d.images.Count(),
	}

	if d.nodeStats != nil {
		resp.RunsExecuted = d.nodeStats.RunsExecuted()
		resp.StepsExecuted = d.nodeStats.StepsExecuted()
		resp.Uptime = d.nodeStats.Uptime().Seconds()
	}

	writeJSON(w, resp)
}

// Response builders

func programBrief(m *store.Meta) ProgramBrief {
	return ProgramBrief{
		ID:        m.ID.String(),
		Name:      m.Name,
		Size:      m.Size,
		CodeSlots: m.CodeSlots,
		MemSize:   m.MemSize,
		CreatedAt: m.CreatedAt,
	}
}

func runBrief(rec *trace.RunRecord) RunBrief {
	return RunBrief{
		RunID:      rec.RunID.String(),
		ProgramID:  rec.ImageID.String(),
		State:      rec.State.String(),
		ExitCode:   rec.ExitCode,
		Steps:      rec.Steps,
		StartedAt:  rec.StartedAt,
		DurationMs: float64(rec.Duration) / float64(time.Millisecond),
	}
}

// Typed accessors for the status data map.

func getUint64(data map[string]interface{}, key string) uint64 {
	if v, ok := data[key].(uint64); ok {
		return v
	}
	return 0
}

func getInt(data map[string]interface{}, key string) int {
	if v, ok := data[key].(int); ok {
		return v
	}
	return 0
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getFloat64(data map[string]interface{}, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}

func getDuration(data map[string]interface{}, key string) time.Duration {
	if v, ok := data[key].(time.Duration); ok {
		return v
	}
	return 0
}
