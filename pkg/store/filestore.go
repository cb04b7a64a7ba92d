// Package store persists agent and skill definitions as YAML files on disk,
// one file per definition, with versioned snapshots for rollback.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/veldtlabs/veldt/pkg/core"
	"github.com/veldtlabs/veldt/pkg/errors"
)

const (
	agentsDir   = "agents"
	skillsDir   = "skills"
	versionsDir = "versions"

	maxNameLen = 64
)

var idPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// FileStore implements core.DefinitionStore on a directory tree:
//
//	root/agents/<id>.yaml
//	root/skills/<id>.yaml
//	root/versions/<id>@<version>.yaml
type FileStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string) (*FileStore, error) {
	for _, sub := range []string{agentsDir, skillsDir, versionsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errors.New(errors.CodeInternal, "create store directory", err)
		}
	}
	return &FileStore{root: root}, nil
}

var _ core.DefinitionStore = (*FileStore)(nil)

// GetAgent loads one agent definition by id.
func (s *FileStore) GetAgent(_ context.Context, id string) (*core.AgentDefinition, error) {
	var def core.AgentDefinition
	if err := s.read(filepath.Join(agentsDir, id+".yaml"), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// PutAgent validates and persists an agent definition.
func (s *FileStore) PutAgent(_ context.Context, def *core.AgentDefinition) error {
	if def == nil {
		return errors.New(errors.CodeInvalidInput, "agent definition is nil", nil)
	}
	if err := validateID(def.ID); err != nil {
		return err
	}
	if err := validateName(def.Name); err != nil {
		return err
	}
	return s.write(filepath.Join(agentsDir, def.ID+".yaml"), def)
}

// ListAgents returns every stored agent, ordered by id.
func (s *FileStore) ListAgents(ctx context.Context) ([]*core.AgentDefinition, error) {
	ids, err := s.list(agentsDir)
	if err != nil {
		return nil, err
	}
	out := make([]*core.AgentDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// GetSkill loads one skill definition by id.
func (s *FileStore) GetSkill(_ context.Context, id string) (*core.SkillDefinition, error) {
	var def core.SkillDefinition
	if err := s.read(filepath.Join(skillsDir, id+".yaml"), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// PutSkill validates and persists a skill definition. Tool names are deduped
// so a sloppy authoring tool cannot create phantom collisions.
func (s *FileStore) PutSkill(_ context.Context, def *core.SkillDefinition) error {
	if def == nil {
		return errors.New(errors.CodeInvalidInput, "skill definition is nil", nil)
	}
	if err := validateID(def.ID); err != nil {
		return err
	}
	if err := validateName(def.Name); err != nil {
		return err
	}
	if strings.TrimSpace(def.Signature) == "" {
		return errors.New(errors.CodeInvalidInput, "skill signature is required", nil).
			WithContext("skill_id", def.ID)
	}
	def.RequiredCapabilities = dedupe(def.RequiredCapabilities)
	return s.write(filepath.Join(skillsDir, def.ID+".yaml"), def)
}

// ListSkills returns every stored skill, ordered by id.
func (s *FileStore) ListSkills(ctx context.Context) ([]*core.SkillDefinition, error) {
	ids, err := s.list(skillsDir)
	if err != nil {
		return nil, err
	}
	out := make([]*core.SkillDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetSkill(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// CopyVersion snapshots a definition (agent or skill) under a version label.
// The snapshot is byte-identical to the stored file at copy time.
func (s *FileStore) CopyVersion(_ context.Context, id, version string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if strings.TrimSpace(version) == "" {
		return errors.New(errors.CodeInvalidInput, "version label is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var src string
	for _, sub := range []string{agentsDir, skillsDir} {
		candidate := filepath.Join(s.root, sub, id+".yaml")
		if _, err := os.Stat(candidate); err == nil {
			src = candidate
			break
		}
	}
	if src == "" {
		return errors.New(errors.CodeNotFound,
			fmt.Sprintf("definition %q not found", id), nil)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.New(errors.CodeInternal, "read definition", err)
	}
	dst := filepath.Join(s.root, versionsDir, id+"@"+version+".yaml")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return errors.New(errors.CodeInternal, "write version snapshot", err)
	}
	return nil
}

// LoadVersion reads back a versioned snapshot of a skill definition.
func (s *FileStore) LoadVersion(id, version string) (*core.SkillDefinition, error) {
	var def core.SkillDefinition
	if err := s.read(filepath.Join(versionsDir, id+"@"+version+".yaml"), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *FileStore) read(rel string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New(errors.CodeNotFound,
				fmt.Sprintf("definition %q not found", rel), err)
		}
		return errors.New(errors.CodeInternal, "read definition", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.New(errors.CodeInvalidInput, "parse definition", err).
			WithContext("path", rel)
	}
	return nil
}

func (s *FileStore) write(rel string, def any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(def)
	if err != nil {
		return errors.New(errors.CodeInternal, "marshal definition", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, rel), data, 0o644); err != nil {
		return errors.New(errors.CodeInternal, "write definition", err)
	}
	return nil
}

func (s *FileStore) list(sub string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.root, sub))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list definitions", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(ids)
	return ids, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New(errors.CodeInvalidInput, "id is required", nil)
	}
	if !idPattern.MatchString(id) {
		return errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("id %q must match %s", id, idPattern.String()), nil)
	}
	return nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New(errors.CodeInvalidInput, "name is required", nil)
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("name exceeds %d characters", maxNameLen), nil)
	}
	return nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
