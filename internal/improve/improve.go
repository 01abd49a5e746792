// Package improve computes pre/post improvement reports.
package improve

import (
	"fmt"

	"tutee/internal/model"
)

// LearnedThreshold is the minimum score gain, in percentage points,
// treated as a significant learning outcome.
const LearnedThreshold = 10.0

// MismatchError reports an attempt to compare test results from
// different scenarios.
type MismatchError struct {
	PreScenario  string
	PostScenario string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("cannot compare results: pre-test is for scenario %q, post-test for %q", e.PreScenario, e.PostScenario)
}

// Compare builds an ImprovementReport from a graded pre/post pair.
// Per sub-skill, a test counts as correct when ANY question tagged with
// that sub-skill was answered correctly; a nil entry means the test had
// no question for that sub-skill. The aggregate delta is signed and
// never clamped.
func Compare(level model.KnowledgeLevel, pre, post *model.TestResult) (*model.ImprovementReport, error) {
	if pre.ScenarioID != post.ScenarioID {
		return nil, &MismatchError{PreScenario: pre.ScenarioID, PostScenario: post.ScenarioID}
	}

	preBySkill := reduceBySubskill(pre)
	postBySkill := reduceBySubskill(post)

	subskills := make(map[string]model.SubskillDelta)
	for skill := range preBySkill {
		subskills[skill] = model.SubskillDelta{}
	}
	for skill := range postBySkill {
		subskills[skill] = model.SubskillDelta{}
	}
	for skill := range subskills {
		var d model.SubskillDelta
		if v, ok := preBySkill[skill]; ok {
			pc := v
			d.PreCorrect = &pc
		}
		if v, ok := postBySkill[skill]; ok {
			pc := v
			d.PostCorrect = &pc
		}
		d.Improved = (d.PreCorrect == nil || !*d.PreCorrect) && d.PostCorrect != nil && *d.PostCorrect
		subskills[skill] = d
	}

	delta := post.ScorePercentage - pre.ScorePercentage
	return &model.ImprovementReport{
		ScenarioID:   pre.ScenarioID,
		Level:        level,
		PreScorePct:  pre.ScorePercentage,
		PostScorePct: post.ScorePercentage,
		DeltaPct:     delta,
		Subskills:    subskills,
		Learned:      delta > LearnedThreshold,
	}, nil
}

func reduceBySubskill(res *model.TestResult) map[string]bool {
	out := make(map[string]bool)
	for _, q := range res.Questions {
		if q.Subskill == "" {
			continue
		}
		out[q.Subskill] = out[q.Subskill] || q.IsCorrect
	}
	return out
}
