// Package report implements the Report Aggregator (spec.md §2, §6): the
// process-wide counters and metadata shared by all three passes, and the
// fixed JSON schema emitted at pipeline end.
//
// A *Report is an explicit context object per spec.md §9's design note.
// The passes themselves do not take one: each returns its own Metrics, and
// the host pipeline folds those into the Report. Default provides a mutex-guarded
// package-level singleton only as the "thin compatibility layer" spec.md §9
// allows for callers that have no natural place to thread one through,
// mirroring the teacher's internal/name shortGenerator pattern.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/llir/llvm/ir"

	"github.com/chakravyuha/chakravyuha/internal/irfacade"
)

// Report accumulates counters and size snapshots across a single pipeline
// run over a single module. All methods are safe for concurrent use: the
// host pass manager may run passes on distinct modules in parallel, and
// spec.md §5 requires the aggregator's writes to be serialized.
type Report struct {
	mu sync.Mutex

	inputFile  string
	outputFile string

	params InputParameters

	originalIRSize           int
	obfuscatedIRSize         int
	originalIRStringDataSize int
	obfuscatedIRStringDataSize int

	cyclesCompleted int
	passesRun       []string

	stringEncryptionCount  int
	stringEncryptionMethod string

	flattenedFunctions int
	flattenedBlocks    int
	cffSkippedFunctions int

	insertedBlocks int
}

// InputParameters mirrors spec.md §6's "inputParameters" object.
type InputParameters struct {
	ObfuscationLevel             string
	TargetPlatform               string
	EnableStringEncryption       bool
	EnableControlFlowFlattening  bool
	EnableFakeCodeInsertion      bool
}

// New builds an empty Report for one pipeline run.
func New(inputFile, outputFile string, params InputParameters) *Report {
	return &Report{
		inputFile:  inputFile,
		outputFile: outputFile,
		params:     params,
	}
}

var (
	defaultMu   sync.Mutex
	defaultInst *Report
)

// Default returns the process-wide singleton Report, creating it on first
// use. This exists only as the thin compatibility layer spec.md §9
// tolerates; prefer constructing a Report with New and passing it
// explicitly wherever the call site allows it.
func Default() *Report {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInst == nil {
		defaultInst = New("", "", InputParameters{})
	}
	return defaultInst
}

// SetFiles records the input/output file names for the final report, useful
// when a Report was constructed via Default before those names were known.
func (r *Report) SetFiles(inputFile, outputFile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputFile = inputFile
	r.outputFile = outputFile
}

// SetParameters records the inputParameters block.
func (r *Report) SetParameters(params InputParameters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = params
}

// RecordOriginalSize stashes the pre-pipeline IR and string-data sizes, in
// bytes, used to compute the outputAttributes percentage deltas.
func (r *Report) RecordOriginalSize(irBytes, stringDataBytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.originalIRSize = irBytes
	r.originalIRStringDataSize = stringDataBytes
}

// RecordObfuscatedSize stashes the post-pipeline sizes.
func (r *Report) RecordObfuscatedSize(irBytes, stringDataBytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obfuscatedIRSize = irBytes
	r.obfuscatedIRStringDataSize = stringDataBytes
}

// irSize renders mod to its textual form and measures the byte length; the
// module has no other notion of "IR size" independent of its printer.
func irSize(mod *ir.Module) int {
	return len(mod.String())
}

// stringDataSize sums the byte length of every remaining string global's
// contents, the module's string-data-section proxy.
func stringDataSize(mod *ir.Module) int {
	total := 0
	for _, g := range mod.Globals {
		if !irfacade.IsStringGlobal(g) {
			continue
		}
		if data, ok := irfacade.StringGlobalBytes(g); ok {
			total += len(data)
		}
	}
	return total
}

// SnapshotInitial measures mod before any pass runs, mirroring the original
// tool's separate initial-metrics pass (original_source/InitialIRMetricsPass.cpp)
// that the distilled spec folds into outputAttributes — see SPEC_FULL.md §12.
// main1 calls this once, before runPipeline starts the first configured pass.
func (r *Report) SnapshotInitial(mod *ir.Module) {
	r.RecordOriginalSize(irSize(mod), stringDataSize(mod))
}

// SnapshotFinal measures mod once every requested pass has run, the
// counterpart to SnapshotInitial.
func (r *Report) SnapshotFinal(mod *ir.Module) {
	r.RecordObfuscatedSize(irSize(mod), stringDataSize(mod))
}

// RecordPassRun marks passName as having run this cycle (spec.md §6
// obfuscationMetrics.passesRun) and increments the cycle counter on its
// first call in a fresh report.
func (r *Report) RecordPassRun(passName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cyclesCompleted == 0 {
		r.cyclesCompleted = 1
	}
	r.passesRun = append(r.passesRun, passName)
}

// AddCFF accumulates Control-Flow Flattening counters for one function
// outcome: a successfully flattened function contributes its block count; a
// skipped function only increments the skip counter.
func (r *Report) AddCFF(flattenedBlocks int, skipped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if skipped {
		r.cffSkippedFunctions++
		return
	}
	r.flattenedFunctions++
	r.flattenedBlocks += flattenedBlocks
}

// AddCFFTotals folds in a whole module's worth of Control-Flow Flattening
// counters at once — the shape internal/cff.Metrics already aggregates in,
// as opposed to AddCFF's one-function-at-a-time contract.
func (r *Report) AddCFFTotals(flattenedFunctions, flattenedBlocks, skippedFunctions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flattenedFunctions += flattenedFunctions
	r.flattenedBlocks += flattenedBlocks
	r.cffSkippedFunctions += skippedFunctions
}

// AddStringEncryption records one encrypted string and the scheme name used
// for it. Per spec.md §6 the schema carries a single "method" field rather
// than a histogram; we keep the most recently used scheme name, so earlier
// schemes in a mixed run are not reflected in it.
func (r *Report) AddStringEncryption(scheme string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stringEncryptionCount++
	r.stringEncryptionMethod = scheme
}

// AddFCIBlock records one inserted fake block.
func (r *Report) AddFCIBlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertedBlocks++
}

// AddFCIBlocks folds in a whole module's worth of inserted fake blocks at
// once.
func (r *Report) AddFCIBlocks(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertedBlocks += n
}

// jsonReport mirrors spec.md §6's schema exactly, field order preserved by
// encoding/json's struct-order guarantee (no third-party JSON library earns
// its keep over this — see DESIGN.md).
type jsonReport struct {
	InputFile        string           `json:"inputFile"`
	OutputFile       string           `json:"outputFile"`
	Timestamp        string           `json:"timestamp"`
	InputParameters  jsonParams       `json:"inputParameters"`
	OutputAttributes jsonAttributes   `json:"outputAttributes"`
	Metrics          jsonMetrics      `json:"obfuscationMetrics"`
}

type jsonParams struct {
	ObfuscationLevel            string `json:"obfuscationLevel"`
	TargetPlatform              string `json:"targetPlatform"`
	EnableStringEncryption      bool   `json:"enableStringEncryption"`
	EnableControlFlowFlattening bool   `json:"enableControlFlowFlattening"`
	EnableFakeCodeInsertion     bool   `json:"enableFakeCodeInsertion"`
}

type jsonAttributes struct {
	OriginalIRSize             string `json:"originalIRSize"`
	ObfuscatedIRSize           string `json:"obfuscatedIRSize"`
	TotalIRSizeChange          string `json:"totalIRSizeChange"`
	OriginalIRStringDataSize   string `json:"originalIRStringDataSize"`
	ObfuscatedIRStringDataSize string `json:"obfuscatedIRStringDataSize"`
	StringDataSizeChange       string `json:"stringDataSizeChange"`
}

type jsonMetrics struct {
	CyclesCompleted        int                  `json:"cyclesCompleted"`
	PassesRun              []string             `json:"passesRun"`
	StringEncryption       jsonStringEncryption `json:"stringEncryption"`
	ControlFlowFlattening  jsonCFF              `json:"controlFlowFlattening"`
	FakeCodeInsertion      jsonFCI              `json:"fakeCodeInsertion"`
}

type jsonStringEncryption struct {
	Count  int    `json:"count"`
	Method string `json:"method"`
}

type jsonCFF struct {
	FlattenedFunctions int `json:"flattenedFunctions"`
	FlattenedBlocks    int `json:"flattenedBlocks"`
	SkippedFunctions   int `json:"skippedFunctions"`
}

type jsonFCI struct {
	InsertedBlocks int `json:"insertedBlocks"`
}

// pct renders a percentage change with exactly two decimal places, per
// spec.md §6 ("Percentages are rendered with exactly two decimal places").
func pct(before, after int) string {
	if before == 0 {
		if after == 0 {
			return "0.00%"
		}
		return "100.00%"
	}
	change := (float64(after) - float64(before)) / float64(before) * 100
	return strconv.FormatFloat(change, 'f', 2, 64) + "%"
}

func bytesField(n int) string {
	return fmt.Sprintf("%d bytes", n)
}

// now is the injection point tests use to produce a deterministic
// timestamp; production code leaves it at its default.
var now = func() time.Time { return time.Now().UTC() }

// Marshal renders the fixed JSON schema from spec.md §6 at the report's
// current state.
func (r *Report) Marshal() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := jsonReport{
		InputFile:  r.inputFile,
		OutputFile: r.outputFile,
		Timestamp:  now().Format("2006-01-02T15:04:05Z"),
		InputParameters: jsonParams{
			ObfuscationLevel:            r.params.ObfuscationLevel,
			TargetPlatform:              r.params.TargetPlatform,
			EnableStringEncryption:      r.params.EnableStringEncryption,
			EnableControlFlowFlattening: r.params.EnableControlFlowFlattening,
			EnableFakeCodeInsertion:     r.params.EnableFakeCodeInsertion,
		},
		OutputAttributes: jsonAttributes{
			OriginalIRSize:             bytesField(r.originalIRSize),
			ObfuscatedIRSize:           bytesField(r.obfuscatedIRSize),
			TotalIRSizeChange:          pct(r.originalIRSize, r.obfuscatedIRSize),
			OriginalIRStringDataSize:   bytesField(r.originalIRStringDataSize),
			ObfuscatedIRStringDataSize: bytesField(r.obfuscatedIRStringDataSize),
			StringDataSizeChange:       pct(r.originalIRStringDataSize, r.obfuscatedIRStringDataSize),
		},
		Metrics: jsonMetrics{
			CyclesCompleted: r.cyclesCompleted,
			PassesRun:       r.passesRun,
			StringEncryption: jsonStringEncryption{
				Count:  r.stringEncryptionCount,
				Method: r.stringEncryptionMethod,
			},
			ControlFlowFlattening: jsonCFF{
				FlattenedFunctions: r.flattenedFunctions,
				FlattenedBlocks:    r.flattenedBlocks,
				SkippedFunctions:   r.cffSkippedFunctions,
			},
			FakeCodeInsertion: jsonFCI{
				InsertedBlocks: r.insertedBlocks,
			},
		},
	}
	return json.Marshal(doc)
}

// WriteTo serializes the report and writes it to w, the "final JSON report
// emitted to standard error" of spec.md §6.
func (r *Report) WriteTo(w io.Writer) error {
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// MetricLine renders one optional per-pass metric line, e.g.
// "CFF_METRICS:{...}" (spec.md §6 point 1).
func (r *Report) MetricLine(prefix string, fields map[string]int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(":")
	data, _ := json.Marshal(fields)
	b.Write(data)
	return b.String()
}

// DebugWriter returns an io.Writer that deduplicates consecutive identical
// lines before forwarding them to w, mirroring the teacher's cli.go
// uniqueLineWriter used for -debug output. Neither the passes nor
// runPipeline write through it; the per-pass metric lines go to the
// pipeline's writer directly.
func DebugWriter(w io.Writer) io.Writer {
	return &dedupWriter{w: w}
}

type dedupWriter struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (d *dedupWriter) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	line := string(p)
	if line == d.last {
		return len(p), nil
	}
	d.last = line
	return d.w.Write(p)
}
