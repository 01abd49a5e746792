package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "tutee/internal/i18n"
	"tutee/internal/llm"
	"tutee/internal/model"
	"tutee/internal/rater"
	"tutee/internal/scenario"
	"tutee/internal/store"
)

const scenarioYAML = `id: data_types
title: Understanding data types
subskills:
  - flag_identifier_fields
  - distinguish_discrete_continuous
  - order_ordinal_scales
misconceptions:
  - ids_are_numeric_measures
defaults:
  tone: [encouraging, concise]
  turn_budget: 5
  release_answers_policy: withhold_solution
levels:
  beginner:
    misconceptions: [ids_are_numeric_measures]
`

const preTestJSON = `{
  "test_id": "data_types_pre_test",
  "scenario_id": "data_types",
  "test_type": "pre_test",
  "questions": [
    {"question_id": "q1", "text": "one", "options": [{"option_id": "A", "text": "a"}, {"option_id": "B", "text": "b"}, {"option_id": "C", "text": "c"}], "correct_option_id": "B", "subskill": "flag_identifier_fields"},
    {"question_id": "q2", "text": "two", "options": [{"option_id": "A", "text": "a"}, {"option_id": "B", "text": "b"}, {"option_id": "C", "text": "c"}], "correct_option_id": "B", "subskill": "distinguish_discrete_continuous"},
    {"question_id": "q3", "text": "three", "options": [{"option_id": "A", "text": "a"}, {"option_id": "B", "text": "b"}, {"option_id": "C", "text": "c"}], "correct_option_id": "C", "subskill": "order_ordinal_scales"}
  ]
}`

// testApp wires a full handler stack against in-memory stores and a
// scripted model, with a logged-in client.
type testApp struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	mock   *llm.Mock
	store  *store.Store
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n init: %v", err)
	}

	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	postJSON := strings.Replace(preTestJSON, `"data_types_pre_test"`, `"data_types_post_test"`, 1)
	postJSON = strings.Replace(postJSON, `"pre_test"`, `"post_test"`, 1)
	scenarios, err := scenario.Load(fstest.MapFS{
		"data_types.yaml":           {Data: []byte(scenarioYAML)},
		"data_types_pre_test.json":  {Data: []byte(preTestJSON)},
		"data_types_post_test.json": {Data: []byte(postJSON)},
	})
	if err != nil {
		t.Fatalf("scenarios: %v", err)
	}

	mock := llm.NewMock()
	h, err := New(db, scenarios, llm.NewStudent(mock), rater.New(mock), model.ServerConfig{})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	r := chi.NewRouter()
	h.Routes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}

	return &testApp{
		t:      t,
		server: server,
		client: &http.Client{Jar: jar},
		mock:   mock,
		store:  db,
	}
}

func (a *testApp) seedUser(username, password string, role model.UserRole) {
	a.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		a.t.Fatalf("bcrypt: %v", err)
	}
	_, err = a.store.CreateUser(model.User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
	if err != nil {
		a.t.Fatalf("seed user: %v", err)
	}
}

func (a *testApp) login(username, password string) *http.Response {
	a.t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := a.client.Post(a.server.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		a.t.Fatalf("login request: %v", err)
	}
	return resp
}

func (a *testApp) csrfToken() string {
	u, _ := url.Parse(a.server.URL)
	for _, c := range a.client.Jar.Cookies(u) {
		if c.Name == csrfCookieName {
			return c.Value
		}
	}
	return ""
}

// do issues an authenticated request, attaching the current CSRF token
// on writes, and decodes the JSON response into out when non-nil.
func (a *testApp) do(method, path string, body any, out any) *http.Response {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		a.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != "GET" && method != "HEAD" {
		req.Header.Set(csrfHeaderName, a.csrfToken())
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			a.t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func loggedIn(t *testing.T) *testApp {
	t.Helper()
	a := newTestApp(t)
	a.seedUser("admin", "secret", model.UserRoleAdmin)
	resp := a.login("admin", "secret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	return a
}

// snapshotBody mirrors session.Snapshot's JSON shape.
type snapshotBody struct {
	Session        model.Session `json:"session"`
	TurnsUsed      int           `json:"turns_used"`
	TurnBudget     int           `json:"turn_budget"`
	BudgetExceeded bool          `json:"budget_exceeded"`
}

func TestLoginRequired(t *testing.T) {
	a := newTestApp(t)

	resp, err := a.client.Get(a.server.URL + "/api/scenarios")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	a := newTestApp(t)
	a.seedUser("teacher1", "pw", model.UserRoleTeacher)

	t.Run("wrong password", func(t *testing.T) {
		resp := a.login("teacher1", "nope")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("success", func(t *testing.T) {
		resp := a.login("teacher1", "pw")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var body loginResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Role != model.UserRoleTeacher {
			t.Errorf("role = %q", body.Role)
		}
		if body.CSRFToken == "" {
			t.Error("expected csrf token in login response")
		}
	})
}

func TestCSRFRequired(t *testing.T) {
	a := loggedIn(t)

	req, _ := http.NewRequest("POST", a.server.URL+"/api/sessions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status without csrf header = %d, want 403", resp.StatusCode)
	}
}

func TestListScenarios(t *testing.T) {
	a := loggedIn(t)

	var scenarios []model.ScenarioConfig
	resp := a.do("GET", "/api/scenarios", nil, &scenarios)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(scenarios) != 1 || scenarios[0].ID != "data_types" {
		t.Errorf("unexpected scenarios: %+v", scenarios)
	}
}

func TestSessionFlow(t *testing.T) {
	a := loggedIn(t)

	var snap snapshotBody
	resp := a.do("POST", "/api/sessions", map[string]any{
		"scenario_id":     "data_types",
		"knowledge_level": "beginner",
	}, &snap)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if snap.Session.Phase != model.PhasePreTestRunning {
		t.Fatalf("phase = %s, want pre_test_running", snap.Session.Phase)
	}
	id := snap.Session.ID
	base := "/api/sessions/" + id

	// Submit pre-test answers directly: q1 wrong, q2 and q3 right.
	resp = a.do("POST", base+"/pretest", map[string]any{
		"answers": map[string]string{"q1": "A", "q2": "B", "q3": "C"},
	}, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pretest status = %d", resp.StatusCode)
	}
	if snap.Session.Phase != model.PhasePreTestReview {
		t.Fatalf("phase = %s, want pre_test_review", snap.Session.Phase)
	}
	if snap.Session.PreTestResult.CorrectCount != 2 {
		t.Errorf("pre-test correct = %d, want 2", snap.Session.PreTestResult.CorrectCount)
	}

	// Select the wrong question; the response carries the opening context.
	var sel struct {
		snapshotBody
		Intro string `json:"intro"`
	}
	resp = a.do("POST", base+"/questions/q1/select", nil, &sel)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select status = %d", resp.StatusCode)
	}
	if sel.Session.Phase != model.PhaseTeaching {
		t.Errorf("phase = %s, want teaching", sel.Session.Phase)
	}
	if sel.Intro == "" {
		t.Error("expected intro context")
	}

	// One teaching exchange.
	a.mock.AddResponse(llm.MockResponse{Content: "So an ID is a label, not a measurement?"})
	resp = a.do("POST", base+"/teach", map[string]string{
		"content": "An ID only identifies a row; averaging it is meaningless.",
	}, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("teach status = %d", resp.StatusCode)
	}
	if len(snap.Session.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(snap.Session.History))
	}
	if snap.TurnsUsed != 1 {
		t.Errorf("turns used = %d, want 1", snap.TurnsUsed)
	}

	// Close out the question.
	a.mock.AddResponse(llm.MockResponse{Content: "I learned that identifiers are labels."})
	resp = a.do("POST", base+"/questions/q1/addressed", nil, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("addressed status = %d", resp.StatusCode)
	}
	if snap.Session.SubSessions["q1"].Status != model.SubAddressed {
		t.Errorf("q1 status = %s, want addressed", snap.Session.SubSessions["q1"].Status)
	}

	// Post-test with all answers correct finishes the session.
	resp = a.do("POST", base+"/posttest", map[string]any{
		"answers": map[string]string{"q1": "B", "q2": "B", "q3": "C"},
	}, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("posttest status = %d", resp.StatusCode)
	}
	if snap.Session.Phase != model.PhaseResults {
		t.Fatalf("phase = %s, want results", snap.Session.Phase)
	}
	if snap.Session.Improvement == nil {
		t.Fatal("expected improvement report")
	}
	if got := snap.Session.Improvement.DeltaPct; got < 33.2 || got > 33.5 {
		t.Errorf("delta = %f, want ~33.3", got)
	}

	// Turns were persisted along the way.
	turns, err := a.store.GetTurns(id)
	if err != nil {
		t.Fatalf("GetTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Errorf("persisted turns = %d, want 2", len(turns))
	}

	// Rate the transcript.
	a.mock.AddResponse(llm.MockResponse{Content: `{
		"clarification": 2, "diagnostic_quality": 1, "solve_adherence": 2,
		"positive_tone": 2, "reflection": 1, "diagnostic_errors": 0,
		"summary": "Clear explanation of identifier fields."
	}`})
	var rating model.Rating
	resp = a.do("POST", base+"/rate", nil, &rating)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rate status = %d", resp.StatusCode)
	}
	if rating.Summary == "" {
		t.Error("expected rating summary")
	}
	stored, err := a.store.GetRating(id)
	if err != nil || stored == nil {
		t.Fatalf("expected stored rating, err=%v", err)
	}

	// Reset drops the engine from the registry.
	resp = a.do("POST", base+"/reset", nil, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	resp = a.do("GET", base, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after reset = %d, want 404", resp.StatusCode)
	}

	// The stored record survives the reset.
	var recs []model.SessionRecord
	resp = a.do("GET", "/api/sessions", nil, &recs)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if len(recs) != 1 || recs[0].ID != id {
		t.Errorf("unexpected session records: %+v", recs)
	}
}

func TestErrorStatuses(t *testing.T) {
	a := loggedIn(t)

	t.Run("unknown scenario is 404", func(t *testing.T) {
		resp := a.do("POST", "/api/sessions", map[string]any{
			"scenario_id":     "quantum_charts",
			"knowledge_level": "beginner",
		}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("bad override is 400", func(t *testing.T) {
		resp := a.do("POST", "/api/sessions", map[string]any{
			"scenario_id":     "data_types",
			"knowledge_level": "beginner",
			"misconceptions":  []string{"not_in_catalog"},
		}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	var snap snapshotBody
	resp := a.do("POST", "/api/sessions", map[string]any{
		"scenario_id":     "data_types",
		"knowledge_level": "beginner",
	}, &snap)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	base := "/api/sessions/" + snap.Session.ID

	t.Run("teach before teaching phase is 409", func(t *testing.T) {
		var body errorBody
		resp := a.do("POST", base+"/teach", map[string]string{"content": "hello"}, &body)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
		if body.Error != "invalid_transition" {
			t.Errorf("error = %q", body.Error)
		}
	})

	t.Run("model failure is 502", func(t *testing.T) {
		resp := a.do("POST", base+"/pretest", nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", resp.StatusCode)
		}

		// The failed call left the session untouched.
		var cur snapshotBody
		getResp := a.do("GET", base, nil, &cur)
		if getResp.StatusCode != http.StatusOK {
			t.Fatalf("get status = %d", getResp.StatusCode)
		}
		if cur.Session.Phase != model.PhasePreTestRunning {
			t.Errorf("phase = %s, want pre_test_running", cur.Session.Phase)
		}
	})

	t.Run("rating unknown session with no turns is 400", func(t *testing.T) {
		resp := a.do("POST", "/api/sessions/ghost/rate", nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestAdminUsers(t *testing.T) {
	a := loggedIn(t)

	var created userView
	resp := a.do("POST", "/api/admin/users", createUserRequest{
		Username: "teacher2",
		Password: "pw2",
		Role:     model.UserRoleTeacher,
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status = %d", resp.StatusCode)
	}
	if created.Username != "teacher2" || !created.Active {
		t.Errorf("unexpected created user: %+v", created)
	}

	var users []userView
	resp = a.do("GET", "/api/admin/users", nil, &users)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users status = %d", resp.StatusCode)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}

	resp = a.do("POST", fmt.Sprintf("/api/admin/users/%d/toggle", created.ID), nil, &created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	if created.Active {
		t.Error("expected user deactivated after toggle")
	}

	t.Run("non-admin forbidden", func(t *testing.T) {
		b := newTestApp(t)
		b.seedUser("plain", "pw", model.UserRoleTeacher)
		resp := b.login("plain", "pw")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("login status = %d", resp.StatusCode)
		}
		resp = b.do("GET", "/api/admin/users", nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})
}
