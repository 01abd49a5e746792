// Package scenario loads and validates teaching scenarios and their
// multiple-choice test banks. A Store is immutable after Load and safe
// for concurrent readers.
package scenario

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tutee/internal/model"
)

//go:embed data
var defaultFS embed.FS

// Store holds every scenario and test definition found at load time.
type Store struct {
	scenarios map[string]*model.ScenarioConfig
	tests     map[string]*model.TestDefinition // keyed by file stem
}

// Default loads the embedded scenario catalog.
func Default() (*Store, error) {
	sub, err := fs.Sub(defaultFS, "data")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Load reads every *.yaml scenario and *.json test under fsys, validates
// them, and returns an immutable Store. Any invariant violation fails
// the whole load with *SchemaError.
func Load(fsys fs.FS) (*Store, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}

	s := &Store{
		scenarios: make(map[string]*model.ScenarioConfig),
		tests:     make(map[string]*model.TestDefinition),
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		sc, err := loadScenario(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		if _, dup := s.scenarios[sc.ID]; dup {
			return nil, &SchemaError{File: e.Name(), Reason: "duplicate scenario id " + sc.ID}
		}
		s.scenarios[sc.ID] = sc
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		td, err := loadTest(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		sc, ok := s.scenarios[td.ScenarioID]
		if !ok {
			return nil, &SchemaError{File: e.Name(), Reason: "test references unknown scenario " + td.ScenarioID}
		}
		if err := checkTestInvariants(e.Name(), td, sc); err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		s.tests[stem] = td
	}

	return s, nil
}

// Scenario returns the scenario with the given id.
func (s *Store) Scenario(id string) (*model.ScenarioConfig, error) {
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, &NotFoundError{Kind: "scenario", ID: id}
	}
	return sc, nil
}

// Scenarios returns all scenario ids in sorted order.
func (s *Store) Scenarios() []string {
	ids := make([]string, 0, len(s.scenarios))
	for id := range s.scenarios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Test returns the test definition for a scenario, level, and test type.
// A level-specific file (<scenario>_<level>_<type>.json) wins; otherwise
// the scenario-wide file (<scenario>_<type>.json) is shared by all
// levels.
func (s *Store) Test(scenarioID string, level model.KnowledgeLevel, typ model.TestType) (*model.TestDefinition, error) {
	if _, ok := s.scenarios[scenarioID]; !ok {
		return nil, &NotFoundError{Kind: "scenario", ID: scenarioID}
	}
	leveled := fmt.Sprintf("%s_%s_%s", scenarioID, level, typ)
	if td, ok := s.tests[leveled]; ok {
		return td, nil
	}
	shared := fmt.Sprintf("%s_%s", scenarioID, typ)
	if td, ok := s.tests[shared]; ok {
		return td, nil
	}
	return nil, &NotFoundError{Kind: "test", ID: leveled}
}

func loadScenario(fsys fs.FS, name string) (*model.ScenarioConfig, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	var sc model.ScenarioConfig
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, &SchemaError{File: name, Reason: "invalid YAML: " + err.Error()}
	}
	if sc.ID == "" {
		sc.ID = strings.TrimSuffix(path.Base(name), ".yaml")
	}
	if err := checkScenarioInvariants(name, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func checkScenarioInvariants(file string, sc *model.ScenarioConfig) error {
	if len(sc.Subskills) == 0 {
		return &SchemaError{File: file, Reason: "scenario defines no sub-skills"}
	}
	seen := make(map[string]struct{}, len(sc.Subskills))
	for _, s := range sc.Subskills {
		if _, dup := seen[s]; dup {
			return &SchemaError{File: file, Reason: "duplicate sub-skill " + s}
		}
		seen[s] = struct{}{}
	}
	checkProfile := func(where string, p *model.LevelProfile) error {
		if p == nil {
			return nil
		}
		for _, m := range p.Misconceptions {
			if !sc.HasMisconception(m) {
				return &SchemaError{File: file, Reason: where + " references misconception " + m + " missing from catalog"}
			}
		}
		if p.ReleasePolicy != "" && !model.ValidPolicy(p.ReleasePolicy) {
			return &SchemaError{File: file, Reason: where + " has unknown release policy " + string(p.ReleasePolicy)}
		}
		if p.TurnBudget < 0 {
			return &SchemaError{File: file, Reason: where + " has negative turn budget"}
		}
		return nil
	}
	if err := checkProfile("defaults", &sc.Defaults); err != nil {
		return err
	}
	for level, p := range sc.Levels {
		if !model.ValidLevel(level) {
			return &SchemaError{File: file, Reason: "unknown knowledge level " + string(level)}
		}
		if err := checkProfile("level "+string(level), p); err != nil {
			return err
		}
	}
	return nil
}

func loadTest(fsys fs.FS, name string) (*model.TestDefinition, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if err := validateTestJSON(name, raw); err != nil {
		return nil, err
	}
	var td model.TestDefinition
	if err := json.Unmarshal(raw, &td); err != nil {
		return nil, &SchemaError{File: name, Reason: "invalid JSON: " + err.Error()}
	}
	return &td, nil
}

func checkTestInvariants(file string, td *model.TestDefinition, sc *model.ScenarioConfig) error {
	if td.Type != model.PreTest && td.Type != model.PostTest {
		return &SchemaError{File: file, Reason: "unknown test_type " + string(td.Type)}
	}
	seen := make(map[string]struct{}, len(td.Questions))
	for _, q := range td.Questions {
		if _, dup := seen[q.ID]; dup {
			return &SchemaError{File: file, Reason: "duplicate question_id " + q.ID}
		}
		seen[q.ID] = struct{}{}

		found := false
		optSeen := make(map[string]struct{}, len(q.Options))
		for _, o := range q.Options {
			if _, dup := optSeen[o.ID]; dup {
				return &SchemaError{File: file, Reason: "question " + q.ID + " has duplicate option " + o.ID}
			}
			optSeen[o.ID] = struct{}{}
			if o.ID == q.CorrectOptionID {
				found = true
			}
		}
		if !found {
			return &SchemaError{File: file, Reason: "question " + q.ID + " correct_option_id " + q.CorrectOptionID + " not among options"}
		}
		if !sc.HasSubskill(q.Subskill) {
			return &SchemaError{File: file, Reason: "question " + q.ID + " references unknown sub-skill " + q.Subskill}
		}
	}
	return nil
}
