package improve

import (
	"errors"
	"reflect"
	"testing"

	"tutee/internal/model"
)

func result(scenario string, typ model.TestType, questions []model.QuestionResult) *model.TestResult {
	correct := 0
	for _, q := range questions {
		if q.IsCorrect {
			correct++
		}
	}
	res := &model.TestResult{
		TestID:         scenario + "_" + string(typ),
		ScenarioID:     scenario,
		Type:           typ,
		Questions:      questions,
		TotalQuestions: len(questions),
		CorrectCount:   correct,
	}
	if res.TotalQuestions > 0 {
		res.ScorePercentage = 100 * float64(correct) / float64(res.TotalQuestions)
	}
	return res
}

func qr(id, subskill string, correct bool) model.QuestionResult {
	return model.QuestionResult{QuestionID: id, Subskill: subskill, IsCorrect: correct}
}

func TestCompare(t *testing.T) {
	t.Run("scenario mismatch", func(t *testing.T) {
		pre := result("data_types", model.PreTest, nil)
		post := result("type_to_chart", model.PostTest, nil)
		_, err := Compare(model.LevelBeginner, pre, post)
		var me *MismatchError
		if !errors.As(err, &me) {
			t.Fatalf("err = %v, want *MismatchError", err)
		}
	})

	t.Run("improved despite zero delta", func(t *testing.T) {
		pre := result("data_types", model.PreTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", false),
			qr("q2", "order_ordinal_scales", true),
		})
		post := result("data_types", model.PostTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", true),
			qr("q2", "order_ordinal_scales", false),
		})
		rep, err := Compare(model.LevelBeginner, pre, post)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		if rep.DeltaPct != 0 {
			t.Errorf("delta_pct = %v, want 0", rep.DeltaPct)
		}
		if !rep.Subskills["flag_identifier_fields"].Improved {
			t.Error("flag_identifier_fields not marked improved")
		}
		if rep.Subskills["order_ordinal_scales"].Improved {
			t.Error("regressed subskill marked improved")
		}
		if rep.Learned {
			t.Error("learned flag set with zero delta")
		}
	})

	t.Run("any-of subskill reduction", func(t *testing.T) {
		pre := result("data_types", model.PreTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", false),
			qr("q2", "flag_identifier_fields", true),
		})
		post := result("data_types", model.PostTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", true),
			qr("q2", "flag_identifier_fields", false),
		})
		rep, err := Compare(model.LevelIntermediate, pre, post)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		d := rep.Subskills["flag_identifier_fields"]
		if d.PreCorrect == nil || !*d.PreCorrect {
			t.Error("pre_correct should be true: one of two questions was right")
		}
		if d.Improved {
			t.Error("subskill already correct in pre must not count as improved")
		}
	})

	t.Run("subskill absent from one test", func(t *testing.T) {
		pre := result("data_types", model.PreTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", false),
		})
		post := result("data_types", model.PostTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", true),
			qr("q2", "recognize_temporal_fields", true),
		})
		rep, err := Compare(model.LevelBeginner, pre, post)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		d := rep.Subskills["recognize_temporal_fields"]
		if d.PreCorrect != nil {
			t.Errorf("pre_correct = %v, want nil for subskill absent from pre-test", *d.PreCorrect)
		}
		if !d.Improved {
			t.Error("nil pre + correct post should count as improved")
		}
	})

	t.Run("negative delta reported", func(t *testing.T) {
		pre := result("data_types", model.PreTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", true),
			qr("q2", "order_ordinal_scales", true),
		})
		post := result("data_types", model.PostTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", false),
			qr("q2", "order_ordinal_scales", true),
		})
		rep, err := Compare(model.LevelAdvanced, pre, post)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		if rep.DeltaPct >= 0 {
			t.Errorf("delta_pct = %v, want negative", rep.DeltaPct)
		}
	})

	t.Run("learned above threshold", func(t *testing.T) {
		pre := result("data_types", model.PreTest, []model.QuestionResult{
			qr("q1", "a", false), qr("q2", "b", false), qr("q3", "c", false), qr("q4", "d", false),
		})
		post := result("data_types", model.PostTest, []model.QuestionResult{
			qr("q1", "a", true), qr("q2", "b", true), qr("q3", "c", true), qr("q4", "d", false),
		})
		rep, err := Compare(model.LevelBeginner, pre, post)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		if !rep.Learned {
			t.Errorf("learned = false with delta %v", rep.DeltaPct)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		pre := result("data_types", model.PreTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", false),
			qr("q2", "order_ordinal_scales", true),
		})
		post := result("data_types", model.PostTest, []model.QuestionResult{
			qr("q1", "flag_identifier_fields", true),
			qr("q2", "order_ordinal_scales", true),
		})
		a, err := Compare(model.LevelBeginner, pre, post)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		b, err := Compare(model.LevelBeginner, pre, post)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Error("repeated comparison produced different reports")
		}
	})
}
