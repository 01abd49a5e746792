package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level (distinct from Role which is chat turn roles).
type UserRole string

const (
	// UserRoleTeacher is a regular teacher account.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin account.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ServerConfig holds runtime server parameters set via CLI flags.
type ServerConfig struct {
	BasePath      string // URL prefix for sub-path deployments (e.g. "/ru")
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
}

// Role represents a conversation turn role.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// KnowledgeLevel selects one of the three fixed tutee personas.
type KnowledgeLevel string

const (
	LevelBeginner     KnowledgeLevel = "beginner"
	LevelIntermediate KnowledgeLevel = "intermediate"
	LevelAdvanced     KnowledgeLevel = "advanced"
)

// ValidLevel reports whether l is one of the recognized knowledge levels.
func ValidLevel(l KnowledgeLevel) bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}

// ReleasePolicy gates how readily the tutee offers a final solution.
type ReleasePolicy string

const (
	PolicyWithholdSolution ReleasePolicy = "withhold_solution"
	PolicyGuidedSteps      ReleasePolicy = "guided_steps"
	PolicyFullSolutionOK   ReleasePolicy = "full_solution_ok"
)

// ValidPolicy reports whether p is one of the recognized release policies.
func ValidPolicy(p ReleasePolicy) bool {
	switch p {
	case PolicyWithholdSolution, PolicyGuidedSteps, PolicyFullSolutionOK:
		return true
	}
	return false
}

// TestType distinguishes the two test administrations of a session.
type TestType string

const (
	PreTest  TestType = "pre_test"
	PostTest TestType = "post_test"
)

// Phase is the session state machine's state.
type Phase string

const (
	PhaseSetup          Phase = "setup"
	PhasePreTestRunning Phase = "pre_test_running"
	PhasePreTestReview  Phase = "pre_test_review"
	PhaseTeaching       Phase = "teaching"
	PhaseSummarizing    Phase = "summarizing"
	PhasePostTestRun    Phase = "post_test_running"
	PhaseResults        Phase = "results"
)

// SubSessionStatus tracks per-question teaching progress.
type SubSessionStatus string

const (
	SubNotStarted SubSessionStatus = "not_started"
	SubInProgress SubSessionStatus = "in_progress"
	SubAddressed  SubSessionStatus = "addressed"
)

// LevelProfile configures the tutee persona for one knowledge level.
type LevelProfile struct {
	Misconceptions []string      `yaml:"misconceptions" json:"misconceptions"`
	Tone           []string      `yaml:"tone" json:"tone"`
	TurnBudget     int           `yaml:"turn_budget" json:"turn_budget"`
	ReleasePolicy  ReleasePolicy `yaml:"release_answers_policy" json:"release_answers_policy"`
}

// ResolvedConfig fully determines the tutee persona for one session:
// the outcome of merging scenario defaults, a level profile, and caller
// overrides. Every field is populated; nothing is left to defaults at
// render time.
type ResolvedConfig struct {
	ScenarioID      string         `json:"scenario_id"`
	Level           KnowledgeLevel `json:"knowledge_level"`
	TargetSubskills []string       `json:"target_subskills"`
	Misconceptions  []string       `json:"misconceptions"`
	Tone            []string       `json:"tone"`
	TurnBudget      int            `json:"turn_budget"`
	ReleasePolicy   ReleasePolicy  `json:"release_answers_policy"`
}

// ScenarioConfig describes one teaching scenario. Immutable after load.
type ScenarioConfig struct {
	ID             string                           `yaml:"id" json:"id"`
	Title          string                           `yaml:"title" json:"title"`
	Subskills      []string                         `yaml:"subskills" json:"subskills"`
	Misconceptions []string                         `yaml:"misconceptions" json:"misconceptions"`
	Defaults       LevelProfile                     `yaml:"defaults" json:"defaults"`
	Levels         map[KnowledgeLevel]*LevelProfile `yaml:"levels" json:"levels"`
}

// HasSubskill reports whether s is in the scenario's sub-skill list.
func (sc *ScenarioConfig) HasSubskill(s string) bool {
	for _, v := range sc.Subskills {
		if v == s {
			return true
		}
	}
	return false
}

// HasMisconception reports whether m is in the scenario-wide catalog.
func (sc *ScenarioConfig) HasMisconception(m string) bool {
	for _, v := range sc.Misconceptions {
		if v == m {
			return true
		}
	}
	return false
}

// Option is one multiple-choice answer option.
type Option struct {
	ID   string `json:"option_id"`
	Text string `json:"text"`
}

// Question is one multiple-choice question with a single correct option.
type Question struct {
	ID              string   `json:"question_id"`
	Text            string   `json:"text"`
	Options         []Option `json:"options"`
	CorrectOptionID string   `json:"correct_option_id"`
	Subskill        string   `json:"subskill"`
	Explanation     string   `json:"explanation,omitempty"`
}

// TestDefinition is a fixed multiple-choice test. Immutable after load.
type TestDefinition struct {
	ID         string     `json:"test_id"`
	ScenarioID string     `json:"scenario_id"`
	Type       TestType   `json:"test_type"`
	Questions  []Question `json:"questions"`
}

// QuestionByID returns the question with the given id, or nil.
func (t *TestDefinition) QuestionByID(id string) *Question {
	for i := range t.Questions {
		if t.Questions[i].ID == id {
			return &t.Questions[i]
		}
	}
	return nil
}

// QuestionResult records the graded outcome of one question.
// SubmittedOptionID is nil when the question was left unanswered.
type QuestionResult struct {
	QuestionID        string  `json:"question_id"`
	SubmittedOptionID *string `json:"submitted_option_id"`
	CorrectOptionID   string  `json:"correct_option_id"`
	IsCorrect         bool    `json:"is_correct"`
	Subskill          string  `json:"subskill"`
}

// TestResult is one graded test administration. Immutable after grading.
type TestResult struct {
	TestID          string           `json:"test_id"`
	ScenarioID      string           `json:"scenario_id"`
	Type            TestType         `json:"test_type"`
	Questions       []QuestionResult `json:"questions"`
	TotalQuestions  int              `json:"total_questions"`
	CorrectCount    int              `json:"correct_count"`
	ScorePercentage float64          `json:"score_percentage"`
}

// Turn is one message in the session's conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	TurnIndex int       `json:"turn_index"`
	Timestamp time.Time `json:"timestamp"`
}

// TeachingSubSession is the per-question slice of the dialogue.
type TeachingSubSession struct {
	QuestionID      string           `json:"question_id"`
	Status          SubSessionStatus `json:"status"`
	Turns           []Turn           `json:"turns"`
	LearningSummary *string          `json:"learning_summary"`
}

// Session holds all per-session mutable state. Owned exclusively by one
// orchestrator; mutated only through state-machine transitions.
type Session struct {
	ID               string                         `json:"session_id"`
	ScenarioID       string                         `json:"scenario_id"`
	Level            KnowledgeLevel                 `json:"knowledge_level"`
	Config           ResolvedConfig                 `json:"resolved_config"`
	Phase            Phase                          `json:"phase"`
	History          []Turn                         `json:"history"`
	SubSessions      map[string]*TeachingSubSession `json:"sub_sessions"`
	ActiveQuestionID string                         `json:"active_question_id,omitempty"`
	PreTestResult    *TestResult                    `json:"pre_test_result"`
	PostTestResult   *TestResult                    `json:"post_test_result"`
	Improvement      *ImprovementReport             `json:"improvement,omitempty"`
	StartedAt        time.Time                      `json:"started_at"`
}

// SubskillDelta is the pre/post comparison for one sub-skill.
// PreCorrect/PostCorrect are nil when no question tagged with the
// sub-skill appeared in that test.
type SubskillDelta struct {
	PreCorrect  *bool `json:"pre_correct"`
	PostCorrect *bool `json:"post_correct"`
	Improved    bool  `json:"improved"`
}

// ImprovementReport compares a pre-test and post-test administration.
type ImprovementReport struct {
	ScenarioID   string                   `json:"scenario_id"`
	Level        KnowledgeLevel           `json:"knowledge_level"`
	PreScorePct  float64                  `json:"pre_score_pct"`
	PostScorePct float64                  `json:"post_score_pct"`
	DeltaPct     float64                  `json:"delta_pct"`
	Subskills    map[string]SubskillDelta `json:"subskills"`
	Learned      bool                     `json:"learned"`
}

// Rating is the transcript rater's output: five raw 0-2 behavior scores
// plus clamped [0,1] aggregates.
type Rating struct {
	Clarification     float64 `json:"clarification"`
	DiagnosticQuality float64 `json:"diagnostic_quality"`
	SolveAdherence    float64 `json:"solve_adherence"`
	PositiveTone      float64 `json:"positive_tone"`
	Reflection        float64 `json:"reflection"`
	Engagement        float64 `json:"engagement"`
	Adherence         float64 `json:"adherence"`
	DiagnosticErrors  int     `json:"diagnostic_errors"`
	Summary           string  `json:"summary"`
}
