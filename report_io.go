package main

import (
	"os"

	"github.com/chakravyuha/chakravyuha/internal/report"
)

// emitFinalReport writes the final JSON report to stderr per spec.md §6
// point 2.
func emitFinalReport(rpt *report.Report) error {
	return rpt.WriteTo(os.Stderr)
}
