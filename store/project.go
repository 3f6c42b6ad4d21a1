// Package store maps project identifiers to directory subtrees and owns the
// per-project requirements document.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/santiagomed/kiln/fs"
)

// RequirementsFile is the name of the requirements document at a project root.
const RequirementsFile = "prd.json"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidProjectID = errors.New("invalid project id")
	ErrPathEscapes      = errors.New("path escapes project root")
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidProjectID reports whether id can name a project directory.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Resolve cleans a caller-supplied relative path and rejects anything that
// would land outside the project root.
func Resolve(rel string) (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") || hasDrive(p) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
		}
	}
	p = path.Clean(p)
	if p == "." {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
	}
	return p, nil
}

func hasDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}

// ProjectStore keeps one directory per project under a root file system.
type ProjectStore struct {
	root *fs.FileSystem
}

func NewProjectStore(root *fs.FileSystem) *ProjectStore {
	return &ProjectStore{root: root}
}

func (s *ProjectStore) project(id string) (*fs.FileSystem, error) {
	if !ValidProjectID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return s.root.Sub(id), nil
}

// Exists reports whether the project's directory has been created.
func (s *ProjectStore) Exists(id string) bool {
	if !ValidProjectID(id) {
		return false
	}
	return s.root.IsDir(id)
}

// HasRequirements reports whether a requirements document is persisted for id.
func (s *ProjectStore) HasRequirements(id string) bool {
	p, err := s.project(id)
	if err != nil {
		return false
	}
	return p.Exists(RequirementsFile)
}

// ReadRequirements decodes the persisted requirements document into v.
func (s *ProjectStore) ReadRequirements(id string, v interface{}) error {
	b, err := s.ReadRequirementsRaw(id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("error decoding %s for project %s: %w", RequirementsFile, id, err)
	}
	return nil
}

// ReadRequirementsRaw returns the persisted requirements document bytes.
func (s *ProjectStore) ReadRequirementsRaw(id string) ([]byte, error) {
	p, err := s.project(id)
	if err != nil {
		return nil, err
	}
	b, err := p.ReadFile(RequirementsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: requirements for project %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("error reading requirements for project %s: %w", id, err)
	}
	return b, nil
}

// WriteRequirements persists v, replacing any existing document.
func (s *ProjectStore) WriteRequirements(id string, v interface{}) error {
	p, err := s.project(id)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding requirements: %w", err)
	}
	return p.WriteFile(RequirementsFile, b)
}

// WriteRequirementsIfAbsent persists v only when no document exists yet.
// It reports whether this call wrote the document.
func (s *ProjectStore) WriteRequirementsIfAbsent(id string, v interface{}) (bool, error) {
	p, err := s.project(id)
	if err != nil {
		return false, err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return false, fmt.Errorf("error encoding requirements: %w", err)
	}
	if err := p.CreateExclusive(RequirementsFile, b); err != nil {
		if errors.Is(err, fs.ErrExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WriteFile writes content at rel inside the project, creating parents.
func (s *ProjectStore) WriteFile(id, rel string, content []byte) error {
	p, err := s.project(id)
	if err != nil {
		return err
	}
	clean, err := Resolve(rel)
	if err != nil {
		return err
	}
	return p.WriteFile(clean, content)
}

// ReadFile returns the content of the regular file at rel.
func (s *ProjectStore) ReadFile(id, rel string) ([]byte, error) {
	p, err := s.project(id)
	if err != nil {
		return nil, err
	}
	clean, err := Resolve(rel)
	if err != nil {
		return nil, err
	}
	if !p.Exists(clean) || p.IsDir(clean) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	return p.ReadFile(clean)
}

// ListTree returns the project's file tree, empty when the project is missing.
func (s *ProjectStore) ListTree(id string) ([]fs.Node, error) {
	p, err := s.project(id)
	if err != nil {
		return nil, err
	}
	if !s.root.IsDir(id) {
		return []fs.Node{}, nil
	}
	return p.ListTree(".")
}

// Export writes the project as a zip archive.
func (s *ProjectStore) Export(id string, w io.Writer) error {
	p, err := s.project(id)
	if err != nil {
		return err
	}
	if !s.root.IsDir(id) {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return p.WriteToZip(".", w)
}
