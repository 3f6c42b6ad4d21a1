package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santiagomed/kiln/llm"
	"github.com/santiagomed/kiln/logger"
	"github.com/santiagomed/kiln/store"
)

// ModelClient completes one chat exchange with a named model.
type ModelClient interface {
	Complete(ctx context.Context, model string, messages []llm.Message, structured bool) (string, error)
}

// Searcher runs a web search and returns the results, or a failure note, as text.
type Searcher interface {
	Search(ctx context.Context, query string) string
}

// ImageGenerator renders one image from a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Models names the model used by each stage.
type Models struct {
	Research     string
	Requirements string
	Plan         string
	Code         string
}

type Step interface {
	Execute(ctx context.Context, state *State) error
}

type State struct {
	Request            Request
	Queries            []string
	Research           string
	Requirements       *RequirementsDocument
	RequirementsJSON   string
	RequirementsCached bool
	Plan               []string
	Written            []string
	Skipped            []string
	Stage              Stage
	Progress           *Progress
	Logger             logger.Logger
}

// SetRequirements records doc and the JSON text later prompts embed.
func (s *State) SetRequirements(doc *RequirementsDocument, raw []byte) error {
	if raw == nil {
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("error encoding requirements: %w", err)
		}
		raw = b
	}
	s.Requirements = doc
	s.RequirementsJSON = string(raw)
	return nil
}

// Outcome is the result of one run.
type Outcome struct {
	Stage              Stage
	Requirements       *RequirementsDocument
	RequirementsCached bool
	Research           string
	Plan               []string
	Written            []string
	Skipped            []string
	Err                error
}

func (s *State) outcome(stage Stage, err error) Outcome {
	return Outcome{
		Stage:              stage,
		Requirements:       s.Requirements,
		RequirementsCached: s.RequirementsCached,
		Research:           s.Research,
		Plan:               s.Plan,
		Written:            s.Written,
		Skipped:            s.Skipped,
		Err:                err,
	}
}

type StepPublisher interface {
	PublishStep(step Stage, took time.Duration)
	Error(step Stage, err error)
}

type DefaultStepPublisher struct{}

func (p *DefaultStepPublisher) PublishStep(step Stage, took time.Duration) {}

func (p *DefaultStepPublisher) Error(step Stage, err error) {}

type Pipeline struct {
	stepManager StepManager
	store       *store.ProjectStore
	publisher   StepPublisher
	logger      logger.Logger
}

func NewPipeline(sm StepManager, st *store.ProjectStore, pub StepPublisher, l logger.Logger) *Pipeline {
	if pub == nil {
		pub = &DefaultStepPublisher{}
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Pipeline{
		stepManager: sm,
		store:       st,
		publisher:   pub,
		logger:      l,
	}
}

// Run executes every stage for req in order, reporting on progress, and
// closes progress when done. Fatal errors end the run with an "Error:" event;
// files written before the failure are kept.
func (p *Pipeline) Run(ctx context.Context, req Request, progress *Progress) Outcome {
	defer progress.Close()

	state := &State{
		Request:  req,
		Stage:    NotStarted,
		Progress: progress,
		Logger:   p.logger.WithField("project", req.ProjectID),
	}
	if err := req.Validate(); err != nil {
		return p.fail(state, err)
	}

	runStart := time.Now()
	state.Logger.Info("Starting pipeline execution")
	if err := p.loadRequirements(state); err != nil {
		return p.fail(state, err)
	}

	steps := p.stepManager.GetSteps()
	for i, stage := range steps {
		select {
		case <-ctx.Done():
			state.Logger.Info("Pipeline execution cancelled")
			return p.fail(state, ctx.Err())
		default:
		}

		if state.RequirementsCached && producesRequirements(stage) {
			state.Logger.Debug(fmt.Sprintf("Skipping step %v, requirements are cached", stage))
			continue
		}

		step := p.stepManager.GetStep(stage)
		if step == nil {
			return p.fail(state, fmt.Errorf("step %v not found", stage))
		}

		state.Stage = stage
		state.Logger.Info(fmt.Sprintf("Attempting to execute step %d: %v", i, stage))
		startTime := time.Now()
		if err := step.Execute(ctx, state); err != nil {
			return p.fail(state, err)
		}
		duration := time.Since(startTime)
		state.Logger.Info(fmt.Sprintf("Step %v completed in %v", stage, duration))
		p.publisher.PublishStep(stage, duration)
	}

	state.Stage = Completed
	progress.Info(Completed, "Build complete!")
	p.publisher.PublishStep(Completed, time.Since(runStart))
	state.Logger.Info(fmt.Sprintf("Pipeline execution completed: %d files written, %d skipped", len(state.Written), len(state.Skipped)))
	return state.outcome(Completed, nil)
}

func (p *Pipeline) fail(state *State, err error) Outcome {
	state.Logger.Error(fmt.Sprintf("Error executing step %v: %v", state.Stage, err))
	p.publisher.Error(state.Stage, err)
	state.Progress.Emit(Failed, LevelError, "Error: "+err.Error())
	return state.outcome(Failed, err)
}

// loadRequirements picks up a persisted requirements document so the research
// and requirements stages can be skipped.
func (p *Pipeline) loadRequirements(state *State) error {
	id := state.Request.ProjectID
	raw, err := p.store.ReadRequirementsRaw(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	var doc RequirementsDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("existing requirements document for project %s is unreadable: %w", id, err)
	}
	if err := state.SetRequirements(&doc, raw); err != nil {
		return err
	}
	state.RequirementsCached = true
	state.Logger.Info("Existing requirements document found")
	state.Progress.Info(NotStarted, fmt.Sprintf("Using the existing requirements document for %s.", displayName(&doc)))
	return nil
}

func producesRequirements(stage Stage) bool {
	switch stage {
	case ResearchQuerying, Researching, SynthesizingRequirements:
		return true
	}
	return false
}

func displayName(doc *RequirementsDocument) string {
	if name := strings.TrimSpace(string(doc.ProjectName)); name != "" {
		return name
	}
	return "this project"
}
