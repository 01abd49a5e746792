// Package grader implements deterministic multiple-choice grading.
// It is pure: no model calls, no side effects.
package grader

import (
	"fmt"

	"tutee/internal/model"
)

// GradingError reports an answer map referencing a question that is not
// part of the test being graded.
type GradingError struct {
	TestID     string
	QuestionID string
}

func (e *GradingError) Error() string {
	return fmt.Sprintf("grading %s: answer references unknown question %q", e.TestID, e.QuestionID)
}

// Grade scores a test administration. Questions missing from answers are
// recorded as unanswered (nil submitted option, incorrect), not errors.
// An answer for a question id not in the test returns *GradingError.
func Grade(test *model.TestDefinition, answers map[string]string) (*model.TestResult, error) {
	known := make(map[string]struct{}, len(test.Questions))
	for _, q := range test.Questions {
		known[q.ID] = struct{}{}
	}
	for qid := range answers {
		if _, ok := known[qid]; !ok {
			return nil, &GradingError{TestID: test.ID, QuestionID: qid}
		}
	}

	result := &model.TestResult{
		TestID:         test.ID,
		ScenarioID:     test.ScenarioID,
		Type:           test.Type,
		Questions:      make([]model.QuestionResult, 0, len(test.Questions)),
		TotalQuestions: len(test.Questions),
	}
	for _, q := range test.Questions {
		qr := model.QuestionResult{
			QuestionID:      q.ID,
			CorrectOptionID: q.CorrectOptionID,
			Subskill:        q.Subskill,
		}
		if submitted, ok := answers[q.ID]; ok {
			s := submitted
			qr.SubmittedOptionID = &s
			qr.IsCorrect = submitted == q.CorrectOptionID
		}
		if qr.IsCorrect {
			result.CorrectCount++
		}
		result.Questions = append(result.Questions, qr)
	}
	if result.TotalQuestions > 0 {
		result.ScorePercentage = 100 * float64(result.CorrectCount) / float64(result.TotalQuestions)
	}
	return result, nil
}
