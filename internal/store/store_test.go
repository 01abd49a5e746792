package store

import (
	"context"
	"testing"
	"time"

	"tutee/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) *model.Session {
	return &model.Session{
		ID:         id,
		ScenarioID: "data_types",
		Level:      model.LevelBeginner,
		Config: model.ResolvedConfig{
			ScenarioID:    "data_types",
			Level:         model.LevelBeginner,
			TurnBudget:    7,
			ReleasePolicy: model.PolicyWithholdSolution,
		},
		Phase:     model.PhaseTeaching,
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func recordTestTurns(t *testing.T, s *Store, sess *model.Session, n int) {
	t.Helper()
	ctx := context.Background()
	base := sess.StartedAt
	for i := 0; i < n; i++ {
		role := model.RoleTeacher
		if i%2 == 1 {
			role = model.RoleStudent
		}
		turn := model.Turn{
			Role:      role,
			Content:   "turn content",
			TurnIndex: i,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordTurn(ctx, sess, turn); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}
}

func testResult(typ model.TestType, correct bool) *model.TestResult {
	opt := "A"
	res := &model.TestResult{
		TestID:         "data_types_" + string(typ),
		ScenarioID:     "data_types",
		Type:           typ,
		TotalQuestions: 2,
	}
	res.Questions = []model.QuestionResult{
		{QuestionID: "q1", SubmittedOptionID: &opt, CorrectOptionID: "A", IsCorrect: correct, Subskill: "flag_identifier_fields"},
		{QuestionID: "q2", SubmittedOptionID: nil, CorrectOptionID: "B", IsCorrect: false, Subskill: "order_ordinal_scales"},
	}
	if correct {
		res.CorrectCount = 1
		res.ScorePercentage = 50
	}
	return res
}

func TestRecordTurn(t *testing.T) {
	s := newTestStore(t)
	sess := testSession("sess-1")

	recordTestTurns(t, s, sess, 3)

	// The session row is created on first turn.
	rec, err := s.GetSessionRecord("sess-1")
	if err != nil {
		t.Fatalf("GetSessionRecord: %v", err)
	}
	if rec == nil {
		t.Fatal("expected session record")
	}
	if rec.ScenarioID != "data_types" {
		t.Errorf("expected scenario data_types, got %q", rec.ScenarioID)
	}
	if rec.Policy != model.PolicyWithholdSolution {
		t.Errorf("expected withhold_solution policy, got %q", rec.Policy)
	}
	if rec.TurnBudget != 7 {
		t.Errorf("expected turn budget 7, got %d", rec.TurnBudget)
	}
	if rec.EndedAt != nil {
		t.Error("expected nil ended_at before summary")
	}

	turns, err := s.GetTurns("sess-1")
	if err != nil {
		t.Fatalf("GetTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnIndex != i {
			t.Errorf("turn %d: expected index %d, got %d", i, i, turn.TurnIndex)
		}
	}
	if turns[0].Role != model.RoleTeacher || turns[1].Role != model.RoleStudent {
		t.Error("turn roles not preserved")
	}

	// Phase updates follow the session on later turns.
	sess.Phase = model.PhasePostTestRun
	recordTestTurns(t, s, sess, 1)
	rec, _ = s.GetSessionRecord("sess-1")
	if rec.Phase != model.PhasePostTestRun {
		t.Errorf("expected phase post_test_running, got %q", rec.Phase)
	}

	// Unknown session has no record.
	rec, err = s.GetSessionRecord("nope")
	if err != nil {
		t.Fatalf("GetSessionRecord unknown: %v", err)
	}
	if rec != nil {
		t.Error("expected nil record for unknown session")
	}
}

func TestRecordResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := testSession("sess-1")
	recordTestTurns(t, s, sess, 1)

	// No result yet.
	got, err := s.GetTestResult("sess-1", model.PreTest)
	if err != nil {
		t.Fatalf("GetTestResult: %v", err)
	}
	if got != nil {
		t.Error("expected nil result before recording")
	}

	if err := s.RecordResult(ctx, sess, testResult(model.PreTest, false)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	got, err = s.GetTestResult("sess-1", model.PreTest)
	if err != nil {
		t.Fatalf("GetTestResult: %v", err)
	}
	if got == nil {
		t.Fatal("expected stored result")
	}
	if got.ScorePercentage != 0 {
		t.Errorf("expected score 0, got %f", got.ScorePercentage)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("expected 2 question rows, got %d", len(got.Questions))
	}
	if got.Questions[0].SubmittedOptionID == nil || *got.Questions[0].SubmittedOptionID != "A" {
		t.Error("expected submitted option A on q1")
	}
	if got.Questions[1].SubmittedOptionID != nil {
		t.Error("expected nil submitted option on unanswered q2")
	}
	if got.Questions[0].Subskill != "flag_identifier_fields" {
		t.Errorf("unexpected subskill %q", got.Questions[0].Subskill)
	}

	// Re-recording the same test type replaces the rows.
	if err := s.RecordResult(ctx, sess, testResult(model.PreTest, true)); err != nil {
		t.Fatalf("RecordResult replace: %v", err)
	}
	got, _ = s.GetTestResult("sess-1", model.PreTest)
	if got.ScorePercentage != 50 {
		t.Errorf("expected replaced score 50, got %f", got.ScorePercentage)
	}
	if len(got.Questions) != 2 {
		t.Errorf("expected 2 question rows after replace, got %d", len(got.Questions))
	}

	// Pre and post administrations are independent.
	if err := s.RecordResult(ctx, sess, testResult(model.PostTest, true)); err != nil {
		t.Fatalf("RecordResult post: %v", err)
	}
	post, _ := s.GetTestResult("sess-1", model.PostTest)
	if post == nil || post.Type != model.PostTest {
		t.Fatal("expected post-test result")
	}
}

func TestRecordSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := testSession("sess-1")
	recordTestTurns(t, s, sess, 2)

	pre, post, delta := 40.0, 80.0, 40.0
	summary := model.SessionSummary{
		SessionID:    "sess-1",
		ScenarioID:   "data_types",
		Level:        model.LevelBeginner,
		Policy:       model.PolicyWithholdSolution,
		PreScorePct:  &pre,
		PostScorePct: &post,
		DeltaPct:     &delta,
		Questions: map[string]model.SubSessionStatus{
			"q1": model.SubAddressed,
			"q2": model.SubInProgress,
		},
		EndedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	if err := s.RecordSummary(ctx, summary); err != nil {
		t.Fatalf("RecordSummary: %v", err)
	}

	rec, err := s.GetSessionRecord("sess-1")
	if err != nil {
		t.Fatalf("GetSessionRecord: %v", err)
	}
	if rec.Phase != model.PhaseResults {
		t.Errorf("expected phase results, got %q", rec.Phase)
	}
	if rec.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
	if rec.PreScorePct == nil || *rec.PreScorePct != 40 {
		t.Errorf("expected pre score 40, got %v", rec.PreScorePct)
	}
	if rec.DeltaPct == nil || *rec.DeltaPct != 40 {
		t.Errorf("expected delta 40, got %v", rec.DeltaPct)
	}

	progress, err := s.GetQuestionProgress("sess-1")
	if err != nil {
		t.Fatalf("GetQuestionProgress: %v", err)
	}
	if len(progress) != 2 {
		t.Fatalf("expected 2 progress rows, got %d", len(progress))
	}
	if progress["q1"] != model.SubAddressed {
		t.Errorf("expected q1 addressed, got %q", progress["q1"])
	}
	if progress["q2"] != model.SubInProgress {
		t.Errorf("expected q2 in_progress, got %q", progress["q2"])
	}
}

func TestZeroTurnSessionPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := testSession("sess-1")
	sess.Phase = model.PhasePreTestReview

	// Straight from pre-test review to the post-test: no teaching turn
	// ever reaches RecordTurn, so the results must create the row.
	if err := s.RecordResult(ctx, sess, testResult(model.PreTest, false)); err != nil {
		t.Fatalf("RecordResult pre: %v", err)
	}
	if err := s.RecordResult(ctx, sess, testResult(model.PostTest, true)); err != nil {
		t.Fatalf("RecordResult post: %v", err)
	}

	pre, post, delta := 0.0, 50.0, 50.0
	summary := model.SessionSummary{
		SessionID:    "sess-1",
		ScenarioID:   "data_types",
		Level:        model.LevelBeginner,
		Policy:       model.PolicyWithholdSolution,
		PreScorePct:  &pre,
		PostScorePct: &post,
		DeltaPct:     &delta,
		EndedAt:      sess.StartedAt.Add(time.Minute),
	}
	if err := s.RecordSummary(ctx, summary); err != nil {
		t.Fatalf("RecordSummary: %v", err)
	}

	recs, err := s.ListSessionRecords()
	if err != nil {
		t.Fatalf("ListSessionRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 session record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Phase != model.PhaseResults {
		t.Errorf("expected phase results, got %q", rec.Phase)
	}
	if rec.PostScorePct == nil || *rec.PostScorePct != 50 {
		t.Errorf("expected post score 50, got %v", rec.PostScorePct)
	}

	se, err := s.ExportSession("sess-1")
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if se == nil {
		t.Fatal("expected exported session")
	}
	if len(se.Turns) != 0 {
		t.Errorf("expected empty transcript, got %d turns", len(se.Turns))
	}
	if se.Improvement == nil || se.Improvement.DeltaPct != 50 {
		t.Errorf("improvement = %+v, want delta 50", se.Improvement)
	}
}

func TestListSessionRecords(t *testing.T) {
	s := newTestStore(t)

	first := testSession("sess-a")
	recordTestTurns(t, s, first, 1)

	second := testSession("sess-b")
	second.StartedAt = first.StartedAt.Add(time.Hour)
	recordTestTurns(t, s, second, 1)

	recs, err := s.ListSessionRecords()
	if err != nil {
		t.Fatalf("ListSessionRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	// Newest first.
	if recs[0].ID != "sess-b" {
		t.Errorf("expected sess-b first, got %q", recs[0].ID)
	}

	count, err := s.SessionCount()
	if err != nil {
		t.Fatalf("SessionCount: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}

func TestRatings(t *testing.T) {
	s := newTestStore(t)
	sess := testSession("sess-1")
	recordTestTurns(t, s, sess, 1)

	// No rating yet.
	r, err := s.GetRating("sess-1")
	if err != nil {
		t.Fatalf("GetRating: %v", err)
	}
	if r != nil {
		t.Error("expected nil rating")
	}

	rating := model.Rating{
		Clarification:     2,
		DiagnosticQuality: 1,
		SolveAdherence:    2,
		PositiveTone:      2,
		Reflection:        1,
		Engagement:        0.833,
		Adherence:         0.75,
		DiagnosticErrors:  1,
		Summary:           "Asked good questions, one missed misconception.",
	}
	if err := s.SaveRating("sess-1", rating); err != nil {
		t.Fatalf("SaveRating: %v", err)
	}

	r, err = s.GetRating("sess-1")
	if err != nil {
		t.Fatalf("GetRating: %v", err)
	}
	if r == nil {
		t.Fatal("expected stored rating")
	}
	if r.Clarification != 2 || r.DiagnosticErrors != 1 {
		t.Errorf("rating fields not preserved: %+v", r)
	}
	if r.Summary != rating.Summary {
		t.Errorf("expected summary %q, got %q", rating.Summary, r.Summary)
	}

	// Re-rating replaces the row.
	rating.Engagement = 1
	rating.Summary = "revised"
	if err := s.SaveRating("sess-1", rating); err != nil {
		t.Fatalf("SaveRating update: %v", err)
	}
	r, _ = s.GetRating("sess-1")
	if r.Engagement != 1 || r.Summary != "revised" {
		t.Errorf("expected updated rating, got %+v", r)
	}
}

func TestExportAllSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := testSession("sess-1")
	recordTestTurns(t, s, sess, 4)

	if err := s.RecordResult(ctx, sess, testResult(model.PreTest, false)); err != nil {
		t.Fatalf("RecordResult pre: %v", err)
	}
	if err := s.RecordResult(ctx, sess, testResult(model.PostTest, true)); err != nil {
		t.Fatalf("RecordResult post: %v", err)
	}

	pre, post, delta := 0.0, 50.0, 50.0
	summary := model.SessionSummary{
		SessionID:    "sess-1",
		ScenarioID:   "data_types",
		Level:        model.LevelBeginner,
		Policy:       model.PolicyWithholdSolution,
		PreScorePct:  &pre,
		PostScorePct: &post,
		DeltaPct:     &delta,
		Questions:    map[string]model.SubSessionStatus{"q1": model.SubAddressed},
		EndedAt:      sess.StartedAt.Add(time.Hour),
	}
	if err := s.RecordSummary(ctx, summary); err != nil {
		t.Fatalf("RecordSummary: %v", err)
	}
	if err := s.SaveRating("sess-1", model.Rating{Engagement: 0.5, Adherence: 1}); err != nil {
		t.Fatalf("SaveRating: %v", err)
	}
	if err := s.SetMetadata("llm_model", "llama3.2"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	export, err := s.ExportAllSessions()
	if err != nil {
		t.Fatalf("ExportAllSessions: %v", err)
	}
	if export.Metadata["llm_model"] != "llama3.2" {
		t.Errorf("export metadata = %v, want llm_model recorded", export.Metadata)
	}
	if len(export.Sessions) != 1 {
		t.Fatalf("expected 1 exported session, got %d", len(export.Sessions))
	}
	se := export.Sessions[0]
	if se.SessionID != "sess-1" {
		t.Errorf("expected sess-1, got %q", se.SessionID)
	}
	if len(se.Turns) != 4 {
		t.Errorf("expected 4 turns, got %d", len(se.Turns))
	}
	if se.Rating == nil || se.Rating.Adherence != 1 {
		t.Error("expected rating in export")
	}
	if se.Improvement == nil {
		t.Fatal("expected improvement report in export")
	}
	if se.Improvement.DeltaPct != 50 {
		t.Errorf("expected delta 50, got %f", se.Improvement.DeltaPct)
	}
	if se.Improvement.Learned != true {
		t.Error("expected learned flag")
	}
	d, ok := se.Improvement.Subskills["flag_identifier_fields"]
	if !ok {
		t.Fatal("expected flag_identifier_fields delta")
	}
	if !d.Improved {
		t.Error("expected flag_identifier_fields improved")
	}

	// Single-session export mirrors the bulk one.
	single, err := s.ExportSession("sess-1")
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if single == nil || single.SessionID != "sess-1" {
		t.Fatal("expected single session export")
	}

	// Unknown session exports as nil.
	single, err = s.ExportSession("nope")
	if err != nil {
		t.Fatalf("ExportSession unknown: %v", err)
	}
	if single != nil {
		t.Error("expected nil export for unknown session")
	}
}

func TestUsersAndAuthSessions(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateUser(model.User{
		Username:     "alice",
		DisplayName:  "Alice",
		PasswordHash: "hash",
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := s.GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u == nil || u.ID != id {
		t.Fatal("expected user alice")
	}
	if u.Role != model.UserRoleAdmin {
		t.Errorf("expected admin role, got %q", u.Role)
	}

	// Missing user is nil, not an error.
	u, err = s.GetUserByUsername("bob")
	if err != nil {
		t.Fatalf("GetUserByUsername missing: %v", err)
	}
	if u != nil {
		t.Error("expected nil for missing user")
	}

	count, err := s.UserCount()
	if err != nil {
		t.Fatalf("UserCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 user, got %d", count)
	}

	if err := s.ToggleUserActive(id); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	u, _ = s.GetUserByID(id)
	if u.Active {
		t.Error("expected user deactivated")
	}

	// Auth session round trip.
	token, err := s.CreateAuthSession(id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	sess, err := s.GetAuthSession(token)
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess == nil || sess.UserID != id {
		t.Fatal("expected auth session for user")
	}

	if err := s.DeleteAuthSession(token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	sess, _ = s.GetAuthSession(token)
	if sess != nil {
		t.Error("expected session gone after delete")
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)

	// Missing key returns empty string.
	v, err := s.GetMetadata("model_name")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty value, got %q", v)
	}

	if err := s.SetMetadata("model_name", "gpt-4o-mini"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	v, _ = s.GetMetadata("model_name")
	if v != "gpt-4o-mini" {
		t.Errorf("expected gpt-4o-mini, got %q", v)
	}

	// Upsert replaces.
	if err := s.SetMetadata("model_name", "llama3"); err != nil {
		t.Fatalf("SetMetadata update: %v", err)
	}
	v, _ = s.GetMetadata("model_name")
	if v != "llama3" {
		t.Errorf("expected llama3, got %q", v)
	}
}
