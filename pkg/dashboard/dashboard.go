// Package dashboard provides an embedded web dashboard for monitoring a tern node.
//
// The dashboard provides:
// - Node status and execution counters
// - Stored programs browser with disassembly
// - Recent runs browser with register and step-trace views
// - System metrics (memory, goroutines, uptime)
//
// All pages are rendered from embedded templates, keeping the binary
// self-contained.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/store"
	"github.com/ternvm/tern/pkg/trace"
	"github.com/ternvm/tern/pkg/vm"
)

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8651
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8651,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NodeStats provides node statistics to the dashboard.
// This interface abstracts the node's internal stats for dashboard consumption.
type NodeStats interface {
	// IsRunning returns true if the node is running.
	IsRunning() bool

	// Uptime returns how long the node has been running.
	Uptime() time.Duration

	// RunsExecuted returns the total number of runs executed.
	RunsExecuted() uint64

	// StepsExecuted returns the total number of instructions stepped.
	StepsExecuted() uint64

	// AvgRunTimeMs returns the average run wall time in milliseconds.
	AvgRunTimeMs() float64

	// RPCAddress returns the RPC listen address.
	RPCAddress() string

	// LastError returns the last error encountered, if any.
	LastError() error
}

// listLimit bounds the programs and runs tables.
const listLimit = 50

// stepPageSize bounds the step trace shown on a run page.
const stepPageSize = 256

// Dashboard is the web dashboard server.
type Dashboard struct {
	config    Config
	server    *http.Server
	images    *store.Store
	traces    *trace.Store
	nodeStats NodeStats

	// Cached templates
	templates *template.Template

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server.
func New(config Config, images *store.Store, traces *trace.Store, stats NodeStats) (*Dashboard, error) {
	// Apply defaults
	if config.BindAddress == "" {
		config.BindAddress = DefaultConfig().BindAddress
	}
	if config.Port == 0 {
		config.Port = DefaultConfig().Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}

	d := &Dashboard{
		config:    config,
		images:    images,
		traces:    traces,
		nodeStats: stats,
	}

	// Parse templates
	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	d.templates = tmpl

	return d, nil
}

// parseTemplates parses all embedded templates.
func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatBytes":    formatBytes,
		"formatTime":     formatTime,
		"truncateHash":   truncateHash,
		"stateColor":     stateColor,
		"add":            func(a, b int) int { return a + b },
		"sub":            func(a, b int) int { return a - b },
	}

	tmpl := template.New("").Funcs(funcMap)

	// Parse layout with explicit name
	_, err := tmpl.New("layout").Parse(layoutTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	// Parse page templates
	templates := map[string]string{
		"home":     homeTemplate,
		"programs": programsTemplate,
		"program":  programDetailTemplate,
		"runs":     runsTemplate,
		"run":      runDetailTemplate,
		"settings": settingsTemplate,
	}

	for name, content := range templates {
		_, err := tmpl.New(name).Parse(content)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
	}

	return tmpl, nil
}

// Start starts the dashboard HTTP server.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	// Create the HTTP mux
	mux := http.NewServeMux()

	// Static assets
	mux.HandleFunc("/static/", d.handleStatic)

	// Page routes
	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/programs", d.handlePrograms)
	mux.HandleFunc("/programs/", d.handleProgramDetail)
	mux.HandleFunc("/runs", d.handleRuns)
	mux.HandleFunc("/runs/", d.handleRunDetail)
	mux.HandleFunc("/settings", d.handleSettings)

	// API routes
	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/programs", d.handleAPIPrograms)
	mux.HandleFunc("/api/programs/", d.handleAPIProgram)
	mux.HandleFunc("/api/runs", d.handleAPIRuns)
	mux.HandleFunc("/api/runs/", d.handleAPIRun)
	mux.HandleFunc("/api/metrics", d.handleAPIMetrics)

	// Create the server
	addr := fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port)
	d.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// Start serving
	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	return d.server.ListenAndServe()
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.server.Shutdown(ctx)
	}

	return nil
}

// Address returns the address the dashboard is listening on.
func (d *Dashboard) Address() string {
	return fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port)
}

// handleHome renders the home/overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := d.getStatusData()

	// Latest activity for the overview tables.
	if recs, err := d.traces.ListRuns(5); err == nil {
		data["RecentRuns"] = recs
	}
	if metas, err := d.images.List(5); err == nil {
		data["RecentPrograms"] = metas
	}

	d.renderPage(w, "home", data)
}

// handlePrograms renders the stored programs list page.
func (d *Dashboard) handlePrograms(w http.ResponseWriter, r *http.Request) {
	limit := listLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	metas, err := d.images.List(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("List programs: %v", err), http.StatusInternalServerError)
		return
	}

	d.renderPage(w, "programs", map[string]interface{}{
		"Programs": metas,
		"Count":    d.images.Count(),
	})
}

// handleProgramDetail renders a single program's details with its
// disassembly.
func (d *Dashboard) handleProgramDetail(w http.ResponseWriter, r *http.Request) {
	// Extract ID from path: /programs/{id}
	idStr := strings.TrimPrefix(r.URL.Path, "/programs/")
	if idStr == "" {
		http.Redirect(w, r, "/programs", http.StatusFound)
		return
	}

	id, err := types.ImageIDFromBase58(idStr)
	if err != nil {
		d.renderPage(w, "program", map[string]interface{}{
			"Error": fmt.Sprintf("Invalid program ID: %v", err),
			"ID":    idStr,
		})
		return
	}

	meta, err := d.images.GetMeta(id)
	if err != nil {
		d.renderPage(w, "program", map[string]interface{}{
			"Error": fmt.Sprintf("Program not found: %v", err),
			"ID":    idStr,
		})
		return
	}

	data := map[string]interface{}{
		"Meta": meta,
		"ID":   idStr,
	}

	// Disassemble for the listing panel. A program that fails to
	// decode still gets its metadata page.
	if img, err := d.images.Get(id); err == nil {
		if instrs, err := img.Instructions(); err == nil {
			data["Asm"] = vm.Disassemble(instrs)
		}
	}

	d.renderPage(w, "program", data)
}

// handleRuns renders the recent runs list page.
func (d *Dashboard) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := listLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	recs, err := d.traces.ListRuns(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("List runs: %v", err), http.StatusInternalServerError)
		return
	}

	d.renderPage(w, "runs", map[string]interface{}{
		"Runs": recs,
	})
}

// handleRunDetail renders a single run's details, registers, output
// and step trace.
func (d *Dashboard) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	// Extract ID from path: /runs/{id}
	idStr := strings.TrimPrefix(r.URL.Path, "/runs/")
	if idStr == "" {
		http.Redirect(w, r, "/runs", http.StatusFound)
		return
	}

	id, err := types.RunIDFromBase58(idStr)
	if err != nil {
		d.renderPage(w, "run", map[string]interface{}{
			"Error": fmt.Sprintf("Invalid run ID: %v", err),
			"ID":    idStr,
		})
		return
	}

	rec, err := d.traces.GetRun(id)
	if err != nil {
		d.renderPage(w, "run", map[string]interface{}{
			"Error": fmt.Sprintf("Run not found: %v", err),
			"ID":    idStr,
		})
		return
	}

	data := map[string]interface{}{
		"Run":    rec,
		"ID":     idStr,
		"Output": printableOutput(rec.Output),
	}

	from := uint64(0)
	if f := r.URL.Query().Get("from"); f != "" {
		if parsed, err := strconv.ParseUint(f, 10, 64); err == nil {
			from = parsed
		}
	}

	if events, err := d.traces.Steps(id, from, stepPageSize); err == nil && len(events) > 0 {
		data["Steps"] = stepRows(events)
		if last := events[len(events)-1].Index; last+1 < rec.Steps {
			data["NextFrom"] = last + 1
		}
	}

	d.renderPage(w, "run", data)
}

// handleSettings renders the settings/config page.
func (d *Dashboard) handleSettings(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"ProgramCount":     d.images.Count(),
		"RPCAddress":       "",
		"DashboardAddress": d.Address(),
	}

	if d.nodeStats != nil {
		data["RPCAddress"] = d.nodeStats.RPCAddress()
	}

	d.renderPage(w, "settings", data)
}

// handleStatic serves embedded static assets.
func (d *Dashboard) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/static/")

	content, contentType, ok := getStaticAsset(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write([]byte(content))
}

// getStatusData returns the current node status data.
func (d *Dashboard) getStatusData() map[string]interface{} {
	data := make(map[string]interface{})

	var runsExecuted, stepsExecuted uint64
	var isRunning bool
	var uptime time.Duration
	var avgRunTimeMs float64
	var lastErr error
	var rpcAddress string

	if d.nodeStats != nil {
		isRunning = d.nodeStats.IsRunning()
		uptime = d.nodeStats.Uptime()
		runsExecuted = d.nodeStats.RunsExecuted()
		stepsExecuted = d.nodeStats.StepsExecuted()
		avgRunTimeMs = d.nodeStats.AvgRunTimeMs()
		rpcAddress = d.nodeStats.RPCAddress()
		lastErr = d.nodeStats.LastError()
	} else {
		// Fall back to counting what the stores hold.
		if recs, err := d.traces.ListRuns(1); err == nil && len(recs) > 0 {
			runsExecuted = recs[0].Seq
		}
		uptime = time.Since(d.startTime)
	}

	data["IsRunning"] = isRunning
	data["Uptime"] = uptime
	data["RunsExecuted"] = runsExecuted
	data["StepsExecuted"] = stepsExecuted
	data["AvgRunTimeMs"] = avgRunTimeMs
	data["ProgramCount"] = d.images.Count()
	data["RPCAddress"] = rpcAddress

	if lastErr != nil {
		data["LastError"] = lastErr.Error()
	}

	if uptime.Seconds() > 0 {
		data["RunsPerSec"] = float64(runsExecuted) / uptime.Seconds()
	}

	if isRunning {
		data["NodeStatus"] = "Serving"
	} else {
		data["NodeStatus"] = "Stopped"
	}

	return data
}

// stepRow is one rendered line of the step trace.
type stepRow struct {
	Index uint64
	PC    uint64
	Word  string
	Asm   string
}

func stepRows(events []trace.StepEvent) []stepRow {
	rows := make([]stepRow, len(events))
	for i, ev := range events {
		rows[i] = stepRow{
			Index: ev.Index,
			PC:    ev.PC,
			Word:  fmt.Sprintf("%016x", ev.Word),
			Asm:   vm.Instruction(ev.Word).String(),
		}
	}
	return rows
}

// printableOutput renders captured output for the run page, falling
// back to a hex dump when it is not text.
func printableOutput(out []byte) string {
	if len(out) == 0 {
		return ""
	}
	for _, b := range out {
		if b >= 0x20 && b < 0x7f {
			continue
		}
		if b == '\n' || b == '\t' || b == '\r' {
			continue
		}
		return fmt.Sprintf("% x", out)
	}
	return string(out)
}

// renderPage renders a page template with the given data.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	// First render the content template into a buffer
	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	// Then render the layout with the content
	pageData := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(contentBuf.String()),
	}

	if err := d.templates.ExecuteTemplate(w, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatNumber(n interface{}) string {
	switch v := n.(type) {
	case int:
		return formatInt(int64(v))
	case int64:
		return formatInt(v)
	case uint64:
		return formatInt(int64(v))
	case float64:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%v", n)
	}
}

func formatInt(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}

func formatBytes(n interface{}) string {
	var bytes int64
	switch v := n.(type) {
	case int:
		bytes = int64(v)
	case int64:
		bytes = v
	case uint64:
		bytes = int64(v)
	default:
		return fmt.Sprintf("%v", n)
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func truncateHash(s string, n int) string {
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}

// stateColor maps a run state to its tailwind text color class.
func stateColor(state vm.State) string {
	switch state {
	case vm.StateHalted:
		return "text-green-500"
	case vm.StateFaulted:
		return "text-red-500"
	case vm.StateTrapped:
		return "text-yellow-500"
	default:
		return "text-gray-400"
	}
}
