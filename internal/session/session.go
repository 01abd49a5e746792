// Package session implements the teaching-session state machine:
// setup, pre-test, per-question teaching loop, summarizing, post-test,
// results. One Engine owns one Session exclusively; operations are
// serialized, and a failed or cancelled model call never leaves a
// half-applied state behind.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutee/internal/grader"
	"tutee/internal/improve"
	"tutee/internal/llm"
	"tutee/internal/model"
	"tutee/internal/prompt"
	"tutee/internal/scenario"
)

// InvalidTransitionError reports an operation attempted from a phase
// that does not allow it. The session is never mutated before this is
// returned.
type InvalidTransitionError struct {
	Phase model.Phase
	Op    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s in phase %s", e.Op, e.Phase)
}

// Recorder is the persistence boundary. Implementations receive every
// committed turn and the final session summary; a nil Recorder disables
// persistence.
type Recorder interface {
	RecordTurn(ctx context.Context, s *model.Session, turn model.Turn) error
	RecordResult(ctx context.Context, s *model.Session, res *model.TestResult) error
	RecordSummary(ctx context.Context, summary model.SessionSummary) error
}

// Snapshot is a deep copy of the session state plus the advisory turn
// budget signal. Safe to read while the engine keeps working.
type Snapshot struct {
	Session        model.Session `json:"session"`
	TurnsUsed      int           `json:"turns_used"`
	TurnBudget     int           `json:"turn_budget"`
	BudgetExceeded bool          `json:"budget_exceeded"`
}

// Engine drives one teaching session. opMu serializes whole operations
// (including the suspended model call); mu guards the state itself so
// Snapshot can observe a consistent pre-transition view mid-call.
type Engine struct {
	opMu    sync.Mutex
	mu      sync.Mutex
	store   *scenario.Store
	student *llm.Student
	rec     Recorder
	now     func() time.Time

	session  *model.Session
	sc       *model.ScenarioConfig
	pre      *model.TestDefinition
	post     *model.TestDefinition
	persona  string
	lastTime time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder attaches a persistence boundary.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) { e.rec = rec }
}

// New creates an Engine in the setup phase.
func New(store *scenario.Store, student *llm.Student, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		student: student,
		now:     time.Now,
		session: &model.Session{Phase: model.PhaseSetup},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// timestamp returns a strictly monotonic time per session. Callers hold mu.
func (e *Engine) timestamp() time.Time {
	t := e.now().UTC()
	if !t.After(e.lastTime) {
		t = e.lastTime.Add(time.Nanosecond)
	}
	e.lastTime = t
	return t
}

// Start resolves the persona configuration and moves setup to
// pre_test_running. Scenario data and both test definitions are loaded
// and validated here, so later transitions cannot fail on bad data.
func (e *Engine) Start(ctx context.Context, scenarioID string, level model.KnowledgeLevel, ov prompt.Overrides) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Phase != model.PhaseSetup {
		return nil, &InvalidTransitionError{Phase: e.session.Phase, Op: "start"}
	}

	sc, err := e.store.Scenario(scenarioID)
	if err != nil {
		return nil, err
	}
	cfg, err := prompt.Compose(sc, level, ov)
	if err != nil {
		return nil, err
	}
	pre, err := e.store.Test(scenarioID, level, model.PreTest)
	if err != nil {
		return nil, err
	}
	post, err := e.store.Test(scenarioID, level, model.PostTest)
	if err != nil {
		return nil, err
	}
	persona, err := prompt.Persona(cfg)
	if err != nil {
		return nil, err
	}

	e.sc = sc
	e.pre = pre
	e.post = post
	e.persona = persona
	e.session = &model.Session{
		ID:          uuid.NewString(),
		ScenarioID:  scenarioID,
		Level:       level,
		Config:      cfg,
		Phase:       model.PhasePreTestRunning,
		SubSessions: make(map[string]*model.TeachingSubSession),
		StartedAt:   e.timestamp(),
	}

	slog.Info("session started", "session_id", e.session.ID, "scenario", scenarioID, "level", level)
	return e.snapshotLocked(), nil
}

// RunPretest has the tutee take the pre-test, then grades and stores the
// result. Equivalent to SubmitPretest with model-produced answers.
func (e *Engine) RunPretest(ctx context.Context) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.session.Phase != model.PhasePreTestRunning {
		e.mu.Unlock()
		return nil, &InvalidTransitionError{Phase: e.session.Phase, Op: "submit_pretest_answers"}
	}
	persona := e.persona
	pre := e.pre
	e.mu.Unlock()

	answers, err := e.student.TakeTest(ctx, persona, nil, pre)
	if err != nil {
		return nil, err
	}
	return e.submitPretest(ctx, answers)
}

// SubmitPretest grades the supplied pre-test answers and moves to
// pre_test_review.
func (e *Engine) SubmitPretest(ctx context.Context, answers map[string]string) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.submitPretest(ctx, answers)
}

func (e *Engine) submitPretest(ctx context.Context, answers map[string]string) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Phase != model.PhasePreTestRunning {
		return nil, &InvalidTransitionError{Phase: e.session.Phase, Op: "submit_pretest_answers"}
	}
	res, err := grader.Grade(e.pre, answers)
	if err != nil {
		return nil, err
	}

	e.session.PreTestResult = res
	e.session.Phase = model.PhasePreTestReview
	e.recordResult(ctx, res)

	slog.Info("pre-test graded", "session_id", e.session.ID, "score", res.ScorePercentage)
	return e.snapshotLocked(), nil
}

// SelectQuestion activates the teaching sub-session for one pre-test
// question. Allowed as the first selection from pre_test_review or as a
// switch while teaching; a previously active sub-session keeps its turns
// and stays resumable.
func (e *Engine) SelectQuestion(questionID string) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	phase := e.session.Phase
	if phase != model.PhasePreTestReview && phase != model.PhaseTeaching {
		return nil, &InvalidTransitionError{Phase: phase, Op: "select_question"}
	}
	if !e.inPretest(questionID) {
		return nil, &InvalidTransitionError{Phase: phase, Op: "select_question " + questionID}
	}

	sub, ok := e.session.SubSessions[questionID]
	if !ok {
		sub = &model.TeachingSubSession{QuestionID: questionID, Status: model.SubNotStarted}
		e.session.SubSessions[questionID] = sub
	}
	if sub.Status == model.SubNotStarted {
		sub.Status = model.SubInProgress
	}
	e.session.ActiveQuestionID = questionID
	e.session.Phase = model.PhaseTeaching
	return e.snapshotLocked(), nil
}

// Teach appends a teacher turn, obtains the tutee's reply, and appends
// it. Nothing is committed until the model call succeeds, so a failed or
// cancelled call can be retried with the same content. The history and
// transcript keep the teacher's words verbatim; the release-policy
// reminder is added only on the way to the model.
func (e *Engine) Teach(ctx context.Context, content string) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.session.Phase != model.PhaseTeaching {
		e.mu.Unlock()
		return nil, &InvalidTransitionError{Phase: e.session.Phase, Op: "teach_turn"}
	}
	hinted := prompt.PolicyHint(e.session.Config.ReleasePolicy, content)
	history := e.historyForModel()
	history = append(history, llm.Message{Role: model.RoleTeacher, Content: hinted})
	persona := e.persona
	e.mu.Unlock()

	reply, err := e.student.Reply(ctx, persona, history)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendTurn(ctx, model.RoleTeacher, content)
	e.appendTurn(ctx, model.RoleStudent, reply)
	return e.snapshotLocked(), nil
}

// MarkAddressed closes the named sub-session: the tutee summarizes what
// it learned, the status becomes addressed, and control returns to the
// question list. The model failure path leaves everything as it was.
func (e *Engine) MarkAddressed(ctx context.Context, questionID string) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.session.Phase != model.PhaseTeaching {
		e.mu.Unlock()
		return nil, &InvalidTransitionError{Phase: e.session.Phase, Op: "mark_addressed"}
	}
	sub, ok := e.session.SubSessions[questionID]
	if !ok || sub.Status == model.SubNotStarted {
		e.mu.Unlock()
		return nil, &InvalidTransitionError{Phase: model.PhaseTeaching, Op: "mark_addressed " + questionID}
	}
	q := e.pre.QuestionByID(questionID)
	history := e.historyForModel()
	persona := e.persona
	e.mu.Unlock()

	summary, err := e.student.Summarize(ctx, persona, history, q)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Phase = model.PhaseSummarizing
	sub.Status = model.SubAddressed
	sub.LearningSummary = &summary
	e.session.ActiveQuestionID = ""
	e.session.Phase = model.PhasePreTestReview

	slog.Info("question addressed", "session_id", e.session.ID, "question_id", questionID)
	return e.snapshotLocked(), nil
}

// ReturnToQuestions goes back to the question list without marking the
// active question addressed; its status stays in_progress.
func (e *Engine) ReturnToQuestions() (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Phase != model.PhaseTeaching {
		return nil, &InvalidTransitionError{Phase: e.session.Phase, Op: "return_to_questions"}
	}
	e.session.ActiveQuestionID = ""
	e.session.Phase = model.PhasePreTestReview
	return e.snapshotLocked(), nil
}

// RunPosttest has the tutee take the post-test with the full teaching
// history in context, then finishes the session. Allowed even with
// unaddressed questions remaining.
func (e *Engine) RunPosttest(ctx context.Context) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	phase := e.session.Phase
	if phase != model.PhasePreTestReview && phase != model.PhaseTeaching {
		e.mu.Unlock()
		return nil, &InvalidTransitionError{Phase: phase, Op: "end_and_posttest"}
	}
	postPersona, err := prompt.PostTestPersona(e.session.Config)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	history := e.historyForModel()
	post := e.post
	e.mu.Unlock()

	answers, err := e.student.TakeTest(ctx, postPersona, history, post)
	if err != nil {
		return nil, err
	}
	return e.submitPosttest(ctx, answers)
}

// SubmitPosttest grades supplied post-test answers, computes the
// improvement report, and enters results.
func (e *Engine) SubmitPosttest(ctx context.Context, answers map[string]string) (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.submitPosttest(ctx, answers)
}

func (e *Engine) submitPosttest(ctx context.Context, answers map[string]string) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	phase := e.session.Phase
	if phase != model.PhasePreTestReview && phase != model.PhaseTeaching {
		return nil, &InvalidTransitionError{Phase: phase, Op: "end_and_posttest"}
	}
	res, err := grader.Grade(e.post, answers)
	if err != nil {
		return nil, err
	}
	report, err := improve.Compare(e.session.Level, e.session.PreTestResult, res)
	if err != nil {
		return nil, err
	}

	e.session.Phase = model.PhasePostTestRun
	e.session.PostTestResult = res
	e.session.Improvement = report
	e.session.ActiveQuestionID = ""
	e.session.Phase = model.PhaseResults
	e.recordResult(ctx, res)
	e.recordSummary(ctx)

	slog.Info("session finished", "session_id", e.session.ID,
		"pre", report.PreScorePct, "post", report.PostScorePct, "delta", report.DeltaPct)
	return e.snapshotLocked(), nil
}

// Reset discards all per-session state and returns to setup. Scenario
// and test catalogs persist; only results allows a reset.
func (e *Engine) Reset() (*Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Phase != model.PhaseResults {
		return nil, &InvalidTransitionError{Phase: e.session.Phase, Op: "reset"}
	}
	e.session = &model.Session{Phase: model.PhaseSetup}
	e.sc = nil
	e.pre = nil
	e.post = nil
	e.persona = ""
	return e.snapshotLocked(), nil
}

// Snapshot returns a deep copy of the current state. It does not wait
// for an in-flight operation: mid-call it sees the pre-transition state.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Scenario returns the loaded scenario config, or nil before Start.
func (e *Engine) Scenario() *model.ScenarioConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sc
}

// PretestQuestion returns the pre-test question with the given id, or
// nil outside a started session.
func (e *Engine) PretestQuestion(questionID string) *model.Question {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pre == nil {
		return nil
	}
	return e.pre.QuestionByID(questionID)
}

// IntroContext builds the opening teacher message for a question,
// flagging whether the tutee answered it wrong on the pre-test.
func (e *Engine) IntroContext(questionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pre == nil {
		return ""
	}
	q := e.pre.QuestionByID(questionID)
	wasWrong := false
	if e.session.PreTestResult != nil {
		for _, qr := range e.session.PreTestResult.Questions {
			if qr.QuestionID == questionID && !qr.IsCorrect {
				wasWrong = true
			}
		}
	}
	return prompt.IntroContext(e.session.Config, q, wasWrong)
}

// FirstWrongQuestion returns the id of the first pre-test question the
// tutee got wrong, or "" when everything was correct.
func (e *Engine) FirstWrongQuestion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.PreTestResult == nil {
		return ""
	}
	for _, qr := range e.session.PreTestResult.Questions {
		if !qr.IsCorrect {
			return qr.QuestionID
		}
	}
	return ""
}

func (e *Engine) inPretest(questionID string) bool {
	if e.session.PreTestResult == nil {
		return false
	}
	for _, qr := range e.session.PreTestResult.Questions {
		if qr.QuestionID == questionID {
			return true
		}
	}
	return false
}

// historyForModel flattens session history for the model boundary.
// Callers hold mu.
// historyForModel renders the session history as model messages,
// re-applying the policy reminder to teacher turns. Stored turns stay
// verbatim; the model always sees the reminder. Callers hold mu.
func (e *Engine) historyForModel() []llm.Message {
	msgs := make([]llm.Message, 0, len(e.session.History))
	for _, t := range e.session.History {
		content := t.Content
		if t.Role == model.RoleTeacher {
			content = prompt.PolicyHint(e.session.Config.ReleasePolicy, content)
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: content})
	}
	return msgs
}

// appendTurn commits one turn to the session history, the active
// sub-session, and the recorder. Callers hold mu.
func (e *Engine) appendTurn(ctx context.Context, role model.Role, content string) {
	turn := model.Turn{
		Role:      role,
		Content:   content,
		TurnIndex: len(e.session.History),
		Timestamp: e.timestamp(),
	}
	e.session.History = append(e.session.History, turn)
	if sub, ok := e.session.SubSessions[e.session.ActiveQuestionID]; ok {
		sub.Turns = append(sub.Turns, turn)
	}
	if e.rec != nil {
		if err := e.rec.RecordTurn(ctx, e.session, turn); err != nil {
			slog.Error("record turn", "session_id", e.session.ID, "err", err)
		}
	}
}

func (e *Engine) recordResult(ctx context.Context, res *model.TestResult) {
	if e.rec == nil {
		return
	}
	if err := e.rec.RecordResult(ctx, e.session, res); err != nil {
		slog.Error("record test result", "session_id", e.session.ID, "err", err)
	}
}

func (e *Engine) recordSummary(ctx context.Context) {
	if e.rec == nil {
		return
	}
	s := e.session
	questions := make(map[string]model.SubSessionStatus, len(s.SubSessions))
	for id, sub := range s.SubSessions {
		questions[id] = sub.Status
	}
	summary := model.SessionSummary{
		SessionID:  s.ID,
		ScenarioID: s.ScenarioID,
		Level:      s.Level,
		Policy:     s.Config.ReleasePolicy,
		Questions:  questions,
		EndedAt:    e.timestamp(),
	}
	if s.PreTestResult != nil {
		v := s.PreTestResult.ScorePercentage
		summary.PreScorePct = &v
	}
	if s.PostTestResult != nil {
		v := s.PostTestResult.ScorePercentage
		summary.PostScorePct = &v
	}
	if s.Improvement != nil {
		v := s.Improvement.DeltaPct
		summary.DeltaPct = &v
	}
	if err := e.rec.RecordSummary(ctx, summary); err != nil {
		slog.Error("record session summary", "session_id", s.ID, "err", err)
	}
}

// teacherTurns counts teacher turns in the session history. Callers hold mu.
func (e *Engine) teacherTurns() int {
	n := 0
	for _, t := range e.session.History {
		if t.Role == model.RoleTeacher {
			n++
		}
	}
	return n
}

func (e *Engine) snapshotLocked() *Snapshot {
	used := e.teacherTurns()
	budget := e.session.Config.TurnBudget
	return &Snapshot{
		Session:        *copySession(e.session),
		TurnsUsed:      used,
		TurnBudget:     budget,
		BudgetExceeded: budget > 0 && used > budget,
	}
}

func copySession(s *model.Session) *model.Session {
	out := *s
	out.History = append([]model.Turn(nil), s.History...)
	if s.SubSessions != nil {
		out.SubSessions = make(map[string]*model.TeachingSubSession, len(s.SubSessions))
		for id, sub := range s.SubSessions {
			cp := *sub
			cp.Turns = append([]model.Turn(nil), sub.Turns...)
			if sub.LearningSummary != nil {
				v := *sub.LearningSummary
				cp.LearningSummary = &v
			}
			out.SubSessions[id] = &cp
		}
	}
	if s.PreTestResult != nil {
		cp := *s.PreTestResult
		cp.Questions = append([]model.QuestionResult(nil), s.PreTestResult.Questions...)
		out.PreTestResult = &cp
	}
	if s.PostTestResult != nil {
		cp := *s.PostTestResult
		cp.Questions = append([]model.QuestionResult(nil), s.PostTestResult.Questions...)
		out.PostTestResult = &cp
	}
	if s.Improvement != nil {
		cp := *s.Improvement
		cp.Subskills = make(map[string]model.SubskillDelta, len(s.Improvement.Subskills))
		for k, v := range s.Improvement.Subskills {
			cp.Subskills[k] = v
		}
		out.Improvement = &cp
	}
	return &out
}
