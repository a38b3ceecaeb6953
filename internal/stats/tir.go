package stats

import (
	"fmt"
	"math"
	"strings"

	"github.com/sweeney/aps-controller/internal/glucose"
)

// Glucose range limits in mg/dL.
const (
	HypoLimit  = 72
	HyperLimit = 180
)

// TIRSummary is the time-in-range estimate of a glucose series.
type TIRSummary struct {
	Hypo           float64 `json:"hypos"`          // % of elapsed time below HypoLimit
	Hyper          float64 `json:"hypers"`         // % of elapsed time above HyperLimit
	TIR            float64 `json:"TIR"`            // % of elapsed time in range
	AverageGlucose float64 `json:"averageGlucose"` // mg/dL, rounded
	NGSP           float64 `json:"ngsp"`           // estimated HbA1c, %
	IFCC           float64 `json:"ifcc"`           // estimated HbA1c, mmol/mol
}

// Estimate computes the time-in-range summary of samples.
//
// Samples are walked newest first; each sample covers the time back to the
// next older one, so the oldest sample contributes no duration. Percentages
// are rounded to one decimal and TIR is what remains of 100.
func Estimate(samples []glucose.Sample) TIRSummary {
	if len(samples) == 0 {
		return TIRSummary{}
	}

	sorted := append([]glucose.Sample(nil), samples...)
	glucose.SortNewestFirst(sorted)

	var total, hypo, hyper float64
	for i := 0; i < len(sorted)-1; i++ {
		d := sorted[i].Date.Sub(sorted[i+1].Date).Minutes()
		total += d
		switch v := sorted[i].Value; {
		case v < HypoLimit:
			hypo += d
		case v > HyperLimit:
			hyper += d
		}
	}

	var s TIRSummary
	if total > 0 {
		s.Hypo = round1(hypo / total * 100)
		s.Hyper = round1(hyper / total * 100)
		s.TIR = round1(100 - (s.Hypo + s.Hyper))
	}

	s.AverageGlucose = averageGlucose(sorted)
	if s.AverageGlucose > 0 {
		s.NGSP, s.IFCC = HbA1c(s.AverageGlucose)
	}
	return s
}

// HbA1c converts an average glucose in mg/dL to the NGSP (%) and IFCC
// (mmol/mol) scales.
func HbA1c(avg float64) (ngsp, ifcc float64) {
	ngsp = (46.7 + avg) / 28.7
	ifcc = 10.929 * (ngsp - 2.152)
	return ngsp, ifcc
}

func averageGlucose(samples []glucose.Sample) float64 {
	var sum float64
	var n int
	for _, s := range samples {
		if s.Value > 0 {
			sum += s.Value
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Round(sum / float64(n))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Rollup is an HbA1c estimate over several daily records.
type Rollup struct {
	Label          string
	Days           int
	AverageGlucose float64
}

// FormatHbA1c renders today's estimate followed by the rollups.
func FormatHbA1c(today float64, rollups []Rollup) string {
	var b strings.Builder
	b.WriteString("Today: " + formatEstimate(today))
	for _, r := range rollups {
		fmt.Fprintf(&b, ". %s: %s", r.Label, formatEstimate(r.AverageGlucose))
	}
	return b.String()
}

func formatEstimate(avg float64) string {
	if avg <= 0 {
		return "n/a"
	}
	ngsp, ifcc := HbA1c(avg)
	return fmt.Sprintf("%.1f %% (%.0f mmol/mol)", ngsp, ifcc)
}

// rollups builds the 7-day, 14-day and all-days estimates from per-day
// average glucose values, oldest first. They rely on one record per day.
func rollups(daily []float64) []Rollup {
	var out []Rollup
	n := len(daily)
	if n >= 7 {
		out = append(out, Rollup{Label: "7 days", Days: 7, AverageGlucose: mean(daily[n-7:])})
	}
	if n >= 14 {
		out = append(out, Rollup{Label: "14 days", Days: 14, AverageGlucose: mean(daily[n-14:])})
	}
	if n >= 2 {
		out = append(out, Rollup{Label: fmt.Sprintf("All days (%d)", n), Days: n, AverageGlucose: mean(daily)})
	}
	return out
}

func mean(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
