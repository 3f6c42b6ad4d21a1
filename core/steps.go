package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santiagomed/kiln/llm"
	"github.com/santiagomed/kiln/logger"
	"github.com/santiagomed/kiln/store"
)

const maxResearchQueries = 5

type StepManager interface {
	GetSteps() []Stage
	GetStep(stage Stage) Step
}

// Dependencies are the collaborators the default steps call out to.
type Dependencies struct {
	Model  ModelClient
	Search Searcher
	Images ImageGenerator
	Store  *store.ProjectStore
	Models Models
}

type DefaultStepManager struct {
	steps   []Stage
	stepMap map[Stage]Step
}

func NewDefaultStepManager(deps Dependencies) *DefaultStepManager {
	return &DefaultStepManager{
		steps: []Stage{
			ResearchQuerying,
			Researching,
			SynthesizingRequirements,
			PlanningFiles,
			GeneratingFiles,
		},
		stepMap: map[Stage]Step{
			ResearchQuerying:         &ResearchQueryStep{model: deps.Model, modelName: deps.Models.Research},
			Researching:              &ResearchStep{search: deps.Search},
			SynthesizingRequirements: &RequirementsStep{model: deps.Model, modelName: deps.Models.Requirements, store: deps.Store},
			PlanningFiles:            &FilePlanStep{model: deps.Model, modelName: deps.Models.Plan},
			GeneratingFiles:          &GenerateFilesStep{model: deps.Model, modelName: deps.Models.Code, images: deps.Images, store: deps.Store},
		},
	}
}

func (sm *DefaultStepManager) GetSteps() []Stage {
	return sm.steps
}

func (sm *DefaultStepManager) GetStep(stage Stage) Step {
	return sm.stepMap[stage]
}

type ResearchQueryStep struct {
	model     ModelClient
	modelName string
}

func (s *ResearchQueryStep) Execute(ctx context.Context, state *State) error {
	state.Progress.Info(ResearchQuerying, "Researching ideas for your project...")
	raw, err := s.model.Complete(ctx, s.modelName, llm.ResearchQueriesMessages(state.Request.Prompt), true)
	if err != nil {
		return fmt.Errorf("failed to generate research queries: %w", err)
	}

	queries, _ := decodeList(state.Logger, "research queries", "queries", raw)
	state.Queries = make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			state.Queries = append(state.Queries, q)
		}
		if len(state.Queries) == maxResearchQueries {
			break
		}
	}
	state.Logger.Debug(fmt.Sprintf("Research queries: %v", state.Queries))
	return nil
}

type ResearchStep struct {
	search Searcher
}

func (s *ResearchStep) Execute(ctx context.Context, state *State) error {
	if len(state.Queries) == 0 {
		state.Progress.Info(Researching, "No research queries were produced, continuing without web research.")
		return nil
	}

	results := make([]string, 0, len(state.Queries))
	for i, q := range state.Queries {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.Progress.Info(Researching, fmt.Sprintf("Searching the web (%d/%d): %s", i+1, len(state.Queries), q))
		results = append(results, s.search.Search(ctx, q))
	}
	state.Research = strings.Join(results, "\n\n")
	state.Progress.Info(Researching, fmt.Sprintf("Research complete: %d queries searched.", len(results)))
	return nil
}

type RequirementsStep struct {
	model     ModelClient
	modelName string
	store     *store.ProjectStore
}

func (s *RequirementsStep) Execute(ctx context.Context, state *State) error {
	state.Progress.Info(SynthesizingRequirements, "Drafting the requirements document...")
	raw, err := s.model.Complete(ctx, s.modelName, llm.RequirementsMessages(state.Request.Prompt, state.Research), true)
	if err != nil {
		return fmt.Errorf("failed to generate requirements document: %w", err)
	}

	doc, _ := llm.ParseOrDefault(state.Logger, "requirements", raw, RequirementsDocument{})
	if doc.Empty() {
		return ErrRequirementsUnusable
	}

	id := state.Request.ProjectID
	wrote, err := s.store.WriteRequirementsIfAbsent(id, &doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	var persisted []byte
	if !wrote {
		// Another run persisted first; its document wins.
		state.Logger.Warn("Requirements document already exists, keeping the persisted one")
		persisted, err = s.store.ReadRequirementsRaw(id)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		doc = RequirementsDocument{}
		if err := json.Unmarshal(persisted, &doc); err != nil {
			return fmt.Errorf("existing requirements document for project %s is unreadable: %w", id, err)
		}
	}
	if err := state.SetRequirements(&doc, persisted); err != nil {
		return err
	}

	state.Progress.Info(SynthesizingRequirements, fmt.Sprintf("Requirements document complete: %s, %d core features.", displayName(&doc), len(doc.CoreFeatures)))
	return nil
}

type FilePlanStep struct {
	model     ModelClient
	modelName string
}

func (s *FilePlanStep) Execute(ctx context.Context, state *State) error {
	state.Progress.Info(PlanningFiles, "Planning the project files...")
	raw, err := s.model.Complete(ctx, s.modelName, llm.FilePlanMessages(state.RequirementsJSON, state.Request.Prompt), true)
	if err != nil {
		return fmt.Errorf("failed to generate file plan: %w", err)
	}

	entries, ok := decodeList(state.Logger, "file plan", "files", raw)
	if ok {
		for _, e := range entries {
			if strings.TrimSpace(e) == "" {
				ok = false
				break
			}
		}
	}
	if !ok {
		state.Logger.Warn("File plan is malformed, generating no files")
		state.Progress.Warn(PlanningFiles, "Warning: the file plan could not be read, so no files will be generated.")
		entries = nil
	}

	seen := make(map[string]bool, len(entries))
	state.Plan = make([]string, 0, len(entries))
	for _, e := range entries {
		p, err := store.Resolve(e)
		if err != nil {
			state.Logger.Warn(fmt.Sprintf("Rejected plan entry: %v", err))
			state.Progress.Warn(PlanningFiles, fmt.Sprintf("Warning: skipping unsafe path %q.", e))
			continue
		}
		if p == store.RequirementsFile {
			state.Progress.Warn(PlanningFiles, fmt.Sprintf("Warning: skipping reserved path %q.", e))
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		state.Plan = append(state.Plan, p)
	}

	state.Progress.Info(PlanningFiles, fmt.Sprintf("File plan complete: %d files to generate.", len(state.Plan)))
	return nil
}

type GenerateFilesStep struct {
	model     ModelClient
	modelName string
	images    ImageGenerator
	store     *store.ProjectStore
}

func (s *GenerateFilesStep) Execute(ctx context.Context, state *State) error {
	id := state.Request.ProjectID
	imageIndex := 0
	for _, file := range state.Plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.Progress.Info(GeneratingFiles, fmt.Sprintf("Generating %s...", file))

		if IsImagePath(file) {
			prompt := state.Requirements.MockupPrompt(imageIndex)
			imageIndex++
			img, err := s.generateImage(ctx, prompt)
			if err != nil {
				state.Logger.Warn(fmt.Sprintf("Image generation failed for %s: %v", file, err))
				state.Progress.Warn(GeneratingFiles, fmt.Sprintf("Warning: could not generate image %s: %v", file, err))
				state.Skipped = append(state.Skipped, file)
				continue
			}
			if err := s.store.WriteFile(id, file, img); err != nil {
				return fmt.Errorf("%w: %w", ErrFilesystem, err)
			}
			state.Written = append(state.Written, file)
			state.Logger.Debug(fmt.Sprintf("Wrote %s", file))
			continue
		}

		raw, err := s.model.Complete(ctx, s.modelName, llm.FileContentMessages(state.RequirementsJSON, state.Plan, state.Request.Prompt, file), false)
		if err != nil {
			return fmt.Errorf("failed to generate content for file %s: %w", file, err)
		}
		if err := s.store.WriteFile(id, file, []byte(llm.StripCodeFences(raw))); err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		state.Written = append(state.Written, file)
		state.Logger.Debug(fmt.Sprintf("Wrote %s", file))
	}
	return nil
}

func (s *GenerateFilesStep) generateImage(ctx context.Context, prompt string) ([]byte, error) {
	if s.images == nil {
		return nil, errors.New("image generation is not configured")
	}
	return s.images.Generate(ctx, prompt)
}

// decodeList reads a JSON array of strings, either bare or held under key in
// an object. An object with a single array field is accepted under any key.
// Malformed output degrades to an empty list.
func decodeList(l logger.Logger, label, key, raw string) ([]string, bool) {
	payload, ok := llm.ParseOrDefault(l, label, raw, json.RawMessage(nil))
	if !ok {
		return nil, false
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, false
		}
		inner, found := obj[key]
		if !found && len(obj) == 1 {
			for _, v := range obj {
				inner = v
			}
			found = true
		}
		if !found {
			l.WithField("label", label).WithField("raw", raw).Warn(fmt.Sprintf("structured output has no %q field", key))
			return nil, false
		}
		payload = bytes.TrimSpace(inner)
	}
	if len(payload) == 0 || payload[0] != '[' {
		l.WithField("label", label).WithField("raw", raw).Warn("structured output is not a list")
		return nil, false
	}

	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil || bytes.Equal(bytes.TrimSpace(item), []byte("null")) {
			l.WithField("label", label).WithField("raw", raw).Warn("structured output list holds a non-string entry")
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
