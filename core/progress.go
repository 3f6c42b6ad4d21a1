package core

import (
	"sync"
	"time"
)

// Stage is a state of the generation state machine.
type Stage int

const (
	NotStarted Stage = iota
	ResearchQuerying
	Researching
	SynthesizingRequirements
	PlanningFiles
	GeneratingFiles
	Completed
	Failed
)

var stageNames = map[Stage]string{
	NotStarted:               "not_started",
	ResearchQuerying:         "research_querying",
	Researching:              "researching",
	SynthesizingRequirements: "synthesizing_requirements",
	PlanningFiles:            "planning_files",
	GeneratingFiles:          "generating_files",
	Completed:                "completed",
	Failed:                   "failed",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ProgressEvent is one status update of a run.
type ProgressEvent struct {
	Seq     int       `json:"seq"`
	Stage   Stage     `json:"stage"`
	Level   Level     `json:"level"`
	Message string    `json:"status"`
	Time    time.Time `json:"time"`
}

// Progress carries the events of a single run from the pipeline to one
// consumer. Once the consumer detaches, emitting is a no-op.
type Progress struct {
	events     chan ProgressEvent
	detached   chan struct{}
	detachOnce sync.Once

	mu     sync.Mutex
	closed bool
	seq    int
}

func NewProgress(buffer int) *Progress {
	return &Progress{
		events:   make(chan ProgressEvent, buffer),
		detached: make(chan struct{}),
	}
}

// Events is closed after the run's last event.
func (p *Progress) Events() <-chan ProgressEvent {
	return p.events
}

// Detach tells the producer nobody is listening anymore.
func (p *Progress) Detach() {
	p.detachOnce.Do(func() { close(p.detached) })
}

func (p *Progress) Emit(stage Stage, level Level, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.seq++
	ev := ProgressEvent{Seq: p.seq, Stage: stage, Level: level, Message: msg, Time: time.Now()}
	select {
	case <-p.detached:
		return
	default:
	}
	select {
	case p.events <- ev:
	case <-p.detached:
	}
}

func (p *Progress) Info(stage Stage, msg string) { p.Emit(stage, LevelInfo, msg) }
func (p *Progress) Warn(stage Stage, msg string) { p.Emit(stage, LevelWarning, msg) }

// Close ends the stream. Later emits are dropped.
func (p *Progress) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.events)
}
