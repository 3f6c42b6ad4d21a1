package core

import (
	"fmt"
	"strings"

	"github.com/santiagomed/kiln/store"
)

// Request indicates the user's request for one generation run.
type Request struct {
	Prompt    string `json:"prompt"`
	ProjectID string `json:"projectId"`
}

func NewRequest(prompt, projectID string) Request {
	return Request{
		Prompt:    strings.TrimSpace(prompt),
		ProjectID: strings.TrimSpace(projectID),
	}
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" || strings.TrimSpace(r.ProjectID) == "" {
		return fmt.Errorf("%w: prompt and project id are required", ErrInvalidRequest)
	}
	if !store.ValidProjectID(r.ProjectID) {
		return fmt.Errorf("%w: project id %q is not valid", ErrInvalidRequest, r.ProjectID)
	}
	return nil
}
