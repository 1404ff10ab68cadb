// Package perfstats records the time spent in each stage of the detection pipeline,
// so that it's easy to compare models, and the performance of different hardware.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Update a moving average
func Update(stat *atomic.Uint64, value int64) {
	if value < 0 {
		value = 0
	}
	vu := uint64(value)
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

type Stage int

const (
	StageAcquire Stage = iota
	StagePreprocess
	StageInference
	StagePostProcess
	StageRender
	numStages
)

var stageNames = [numStages]string{"acquire", "preprocess", "inference", "postprocess", "render"}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// PipelineStats is safe to update and read from multiple goroutines
type PipelineStats struct {
	stageNanos [numStages]atomic.Uint64 // moving average of each stage, in nanoseconds
	Ticks      atomic.Int64             // Number of render ticks
	Inferences atomic.Int64             // Number of completed inference calls (successful or not)
	Failures   atomic.Int64             // Number of failed inference or post-processing cycles
	Discarded  atomic.Int64             // Number of inference results that arrived after the session stopped
}

// Record the duration of one execution of a stage
func (p *PipelineStats) Record(stage Stage, d time.Duration) {
	Update(&p.stageNanos[stage], d.Nanoseconds())
}

// Average duration of a stage
func (p *PipelineStats) Average(stage Stage) time.Duration {
	return time.Duration(p.stageNanos[stage].Load())
}

// Snapshot is a JSON friendly copy of PipelineStats
type Snapshot struct {
	StageMilliseconds map[string]float64 `json:"stageMilliseconds"`
	Ticks             int64              `json:"ticks"`
	Inferences        int64              `json:"inferences"`
	Failures          int64              `json:"failures"`
	Discarded         int64              `json:"discarded"`
}

func (p *PipelineStats) Snapshot() Snapshot {
	s := Snapshot{
		StageMilliseconds: map[string]float64{},
		Ticks:             p.Ticks.Load(),
		Inferences:        p.Inferences.Load(),
		Failures:          p.Failures.Load(),
		Discarded:         p.Discarded.Load(),
	}
	for i := Stage(0); i < numStages; i++ {
		s.StageMilliseconds[i.String()] = float64(p.Average(i).Microseconds()) / 1000
	}
	return s
}

func (p *PipelineStats) String() string {
	b := &strings.Builder{}
	for i := Stage(0); i < numStages; i++ {
		if i != 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%v: %0.1f ms", i, float64(p.Average(i).Microseconds())/1000)
	}
	fmt.Fprintf(b, " (%v inferences, %v failures)", p.Inferences.Load(), p.Failures.Load())
	return b.String()
}
