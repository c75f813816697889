package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
)

// docShape mirrors jsonReport for the fields TestMarshal_schemaShape checks,
// letting that test diff the whole decoded document at once with go-cmp
// instead of indexing into a map[string]any field by field.
type docShape struct {
	InputFile        string `json:"inputFile"`
	OutputFile       string `json:"outputFile"`
	Timestamp        string `json:"timestamp"`
	InputParameters  struct {
		ObfuscationLevel       string `json:"obfuscationLevel"`
		TargetPlatform         string `json:"targetPlatform"`
		EnableStringEncryption bool   `json:"enableStringEncryption"`
	} `json:"inputParameters"`
	OutputAttributes struct {
		OriginalIRSize        string `json:"originalIRSize"`
		ObfuscatedIRSize      string `json:"obfuscatedIRSize"`
		TotalIRSizeChange     string `json:"totalIRSizeChange"`
		StringDataSizeChange  string `json:"stringDataSizeChange"`
	} `json:"outputAttributes"`
	ObfuscationMetrics struct {
		CyclesCompleted       int `json:"cyclesCompleted"`
		ControlFlowFlattening struct {
			FlattenedFunctions int `json:"flattenedFunctions"`
			FlattenedBlocks    int `json:"flattenedBlocks"`
			SkippedFunctions   int `json:"skippedFunctions"`
		} `json:"controlFlowFlattening"`
		StringEncryption struct {
			Count  int    `json:"count"`
			Method string `json:"method"`
		} `json:"stringEncryption"`
	} `json:"obfuscationMetrics"`
}

func fixedClock(t time.Time) func() {
	prev := now
	now = func() time.Time { return t }
	return func() { now = prev }
}

func TestMarshal_schemaShape(t *testing.T) {
	restore := fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	defer restore()

	r := New("in.ll", "out.ll", InputParameters{
		ObfuscationLevel:            "medium",
		TargetPlatform:              "linux",
		EnableStringEncryption:      true,
		EnableControlFlowFlattening: true,
		EnableFakeCodeInsertion:     false,
	})
	r.RecordOriginalSize(1000, 100)
	r.RecordObfuscatedSize(1200, 150)
	r.RecordPassRun("chakravyuha-string-encrypt")
	r.RecordPassRun("chakravyuha-control-flow-flatten")
	r.AddCFF(4, false)
	r.AddCFF(0, true)
	r.AddStringEncryption("xor")

	data, err := r.Marshal()
	qt.Assert(t, qt.IsNil(err))

	var got docShape
	qt.Assert(t, qt.IsNil(json.Unmarshal(data, &got)))

	want := docShape{
		InputFile:  "in.ll",
		OutputFile: "out.ll",
		Timestamp:  "2026-01-02T03:04:05Z",
	}
	want.InputParameters.ObfuscationLevel = "medium"
	want.InputParameters.TargetPlatform = "linux"
	want.InputParameters.EnableStringEncryption = true
	want.OutputAttributes.OriginalIRSize = "1000 bytes"
	want.OutputAttributes.ObfuscatedIRSize = "1200 bytes"
	want.OutputAttributes.TotalIRSizeChange = "20.00%"
	want.OutputAttributes.StringDataSizeChange = "50.00%"
	want.ObfuscationMetrics.CyclesCompleted = 1
	want.ObfuscationMetrics.ControlFlowFlattening.FlattenedFunctions = 1
	want.ObfuscationMetrics.ControlFlowFlattening.FlattenedBlocks = 4
	want.ObfuscationMetrics.ControlFlowFlattening.SkippedFunctions = 1
	want.ObfuscationMetrics.StringEncryption.Count = 1
	want.ObfuscationMetrics.StringEncryption.Method = "xor"

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("report document mismatch (-want +got):\n%s", diff)
	}
}

func TestPct_zeroBefore(t *testing.T) {
	qt.Assert(t, qt.Equals(pct(0, 0), "0.00%"))
	qt.Assert(t, qt.Equals(pct(0, 5), "100.00%"))
}

func TestDefault_isSingleton(t *testing.T) {
	a := Default()
	b := Default()
	qt.Assert(t, qt.Equals(a, b))
}

func TestDedupWriter_collapsesRepeats(t *testing.T) {
	var buf bytes.Buffer
	w := DebugWriter(&buf)
	w.Write([]byte("same\n"))
	w.Write([]byte("same\n"))
	w.Write([]byte("different\n"))

	qt.Assert(t, qt.Equals(buf.String(), "same\ndifferent\n"))
}

// TestSnapshotInitial_measuresIRAndStringData mirrors SPEC_FULL.md §12's
// "initial metrics pass" taken before any obfuscation pass runs: it must
// agree with the byte sizes a later SnapshotFinal call reports once the
// module has changed shape.
func TestSnapshotInitial_measuresIRAndStringData(t *testing.T) {
	mod := ir.NewModule()
	g := mod.NewGlobalDef(".str", constant.NewCharArrayFromString("TEAM_CHAKRAVYUHA\x00"))
	g.Immutable = true

	r := New("in.ll", "out.ll", InputParameters{})
	r.SnapshotInitial(mod)

	g2 := mod.NewGlobalDef(".str2", constant.NewCharArrayFromString("EXTRA\x00"))
	g2.Immutable = true
	r.SnapshotFinal(mod)

	data, err := r.Marshal()
	qt.Assert(t, qt.IsNil(err))
	var got map[string]any
	qt.Assert(t, qt.IsNil(json.Unmarshal(data, &got)))

	attrs := got["outputAttributes"].(map[string]any)
	qt.Assert(t, qt.Equals(attrs["originalIRStringDataSize"], "17 bytes"))
	qt.Assert(t, qt.Equals(attrs["obfuscatedIRStringDataSize"], "23 bytes"))
	qt.Assert(t, qt.IsTrue(attrs["obfuscatedIRSize"].(string) != attrs["originalIRSize"].(string)))
}

func TestWriteTo_writesTrailingNewline(t *testing.T) {
	r := New("a", "b", InputParameters{})
	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(r.WriteTo(&buf)))
	qt.Assert(t, qt.IsTrue(bytes.HasSuffix(buf.Bytes(), []byte("\n"))))
}
