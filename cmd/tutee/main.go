package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"tutee/internal/handler"
	appI18n "tutee/internal/i18n"
	"tutee/internal/llm"
	"tutee/internal/model"
	"tutee/internal/prompt"
	"tutee/internal/rater"
	"tutee/internal/scenario"
	"tutee/internal/session"
	"tutee/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tutee",
		Short: "Learning-by-teaching simulator: you teach, the AI tutee learns",
	}

	serve := serveCmd()
	root.AddCommand(serve, runCmd(), rateCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `tutee --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Bool("dry-run", false, "Use the deterministic stub instead of a live model")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP session server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "tutee.db", "SQLite database path")
	f.String("scenario-dir", "", "Directory with scenario YAML and test JSON files (default: embedded scenarios)")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /ru)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set TUTEE_ADMIN_PASSWORD)")
	addLLMFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one teaching session in the terminal",
		RunE:  runSession,
	}
	f := cmd.Flags()
	f.StringP("scenario", "s", "data_types", "Scenario id")
	f.String("scenario-dir", "", "Directory with scenario YAML and test JSON files (default: embedded scenarios)")
	f.String("level", "beginner", "Tutee knowledge level (beginner, intermediate, advanced)")
	f.String("policy", "", "Override the release policy (withhold_solution, guided_steps, full_solution_ok)")
	f.Int("turns", 0, "Override the turn budget (0 = scenario default)")
	f.Bool("with-tests", false, "Administer the pre-test and post-test via the model")
	f.Bool("auto-teacher", false, "Teach automatically from the question explanations")
	f.String("db", "", "SQLite database path for transcript persistence (empty = none)")
	addLLMFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func rateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Rate a stored session's transcript",
		RunE:  runRate,
	}
	f := cmd.Flags()
	f.String("db", "tutee.db", "SQLite database path")
	f.String("session", "", "Session id to rate (required)")
	addLLMFlags(cmd)
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored sessions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "tutee.db", "SQLite database path")
	f.String("session", "", "Export a single session id (empty = all)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TUTEE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tutee")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tutee")
	v.AddConfigPath("/etc/tutee")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func loadScenarios(v *viper.Viper) (*scenario.Store, error) {
	if dir := v.GetString("scenario-dir"); dir != "" {
		return scenario.Load(os.DirFS(dir))
	}
	return scenario.Default()
}

// generatorFor returns the model boundary for a command: the live client
// (health-checked) or the deterministic stub for dry runs.
func generatorFor(ctx context.Context, v *viper.Viper, focus []string) (llm.Generator, error) {
	if v.GetBool("dry-run") {
		slog.Info("dry run: using stub model")
		return llm.NewStub(focus), nil
	}
	client := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	return client, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	scenarios, err := loadScenarios(v)
	if err != nil {
		return fmt.Errorf("load scenarios: %w", err)
	}
	slog.Info("scenarios loaded", "ids", scenarios.Scenarios())

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	gen, err := generatorFor(cmd.Context(), v, nil)
	if err != nil {
		return err
	}

	// Record deployment facts so exports can say what model the tutee
	// ran on.
	if err := db.SetMetadata("llm_model", v.GetString("llm-model")); err != nil {
		return fmt.Errorf("record metadata: %w", err)
	}
	if err := db.SetMetadata("llm_url", v.GetString("llm-url")); err != nil {
		return fmt.Errorf("record metadata: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	cfg := model.ServerConfig{
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
	}

	h, err := handler.New(db, scenarios, llm.NewStudent(gen), rater.New(gen), cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			h.Routes(sub)
		})
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"base_path", basePath,
	)
	return http.ListenAndServe(addr, r)
}

func runSession(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	scenarios, err := loadScenarios(v)
	if err != nil {
		return fmt.Errorf("load scenarios: %w", err)
	}

	scenarioID := v.GetString("scenario")
	sc, err := scenarios.Scenario(scenarioID)
	if err != nil {
		return err
	}

	gen, err := generatorFor(ctx, v, sc.Subskills)
	if err != nil {
		return err
	}
	student := llm.NewStudent(gen)

	var opts []session.Option
	if dbPath := v.GetString("db"); dbPath != "" {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		opts = append(opts, session.WithRecorder(db))
	}
	eng := session.New(scenarios, student, opts...)

	ov := prompt.Overrides{}
	if p := v.GetString("policy"); p != "" {
		policy := model.ReleasePolicy(p)
		ov.ReleasePolicy = &policy
	}
	if turns := v.GetInt("turns"); turns > 0 {
		ov.TurnBudget = &turns
	}

	level := model.KnowledgeLevel(v.GetString("level"))
	snap, err := eng.Start(ctx, scenarioID, level, ov)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scenario: %s (%s tutee, policy %s, budget %d)\n",
		sc.Title, level, snap.Session.Config.ReleasePolicy, snap.TurnBudget)
	fmt.Fprintf(out, "Session:  %s\n\n", snap.Session.ID)

	withTests := v.GetBool("with-tests")
	if withTests {
		snap, err = eng.RunPretest(ctx)
		if err != nil {
			return fmt.Errorf("pre-test: %w", err)
		}
		printTestResult(out, "Pre-test", snap.Session.PreTestResult)
	} else {
		// No administration: grade an empty sheet so the question list
		// exists and every question is teachable.
		snap, err = eng.SubmitPretest(ctx, map[string]string{})
		if err != nil {
			return fmt.Errorf("pre-test: %w", err)
		}
	}

	if v.GetBool("auto-teacher") {
		err = autoTeach(ctx, eng, snap, out)
	} else {
		err = teachLoop(ctx, eng, snap, cmd.InOrStdin(), out)
	}
	if err != nil {
		return err
	}

	if !withTests {
		fmt.Fprintln(out, "\nSession ended (no post-test requested).")
		return nil
	}

	snap, err = eng.RunPosttest(ctx)
	if err != nil {
		return fmt.Errorf("post-test: %w", err)
	}
	printTestResult(out, "Post-test", snap.Session.PostTestResult)
	printImprovement(out, snap.Session.Improvement)
	return nil
}

func printTestResult(w io.Writer, label string, res *model.TestResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "%s: %d/%d (%.1f%%)\n", label, res.CorrectCount, res.TotalQuestions, res.ScorePercentage)
	for _, q := range res.Questions {
		mark := "✗"
		if q.IsCorrect {
			mark = "✓"
		}
		answer := "-"
		if q.SubmittedOptionID != nil {
			answer = *q.SubmittedOptionID
		}
		fmt.Fprintf(w, "  %s %-6s answered %s (correct %s) [%s]\n", mark, q.QuestionID, answer, q.CorrectOptionID, q.Subskill)
	}
	fmt.Fprintln(w)
}

func printImprovement(w io.Writer, rep *model.ImprovementReport) {
	if rep == nil {
		return
	}
	fmt.Fprintf(w, "Improvement: %.1f%% -> %.1f%% (delta %+.1f)\n", rep.PreScorePct, rep.PostScorePct, rep.DeltaPct)
	for sk, d := range rep.Subskills {
		status := "unchanged"
		if d.Improved {
			status = "improved"
		}
		fmt.Fprintf(w, "  %-36s %s\n", sk, status)
	}
	if rep.Learned {
		fmt.Fprintln(w, "The tutee learned something substantial this session.")
	}
}

// autoTeach walks every question the tutee got wrong: opens it, delivers
// the bank explanation as the teaching turn, and marks it addressed.
func autoTeach(ctx context.Context, eng *session.Engine, snap *session.Snapshot, out io.Writer) error {
	for _, qr := range snap.Session.PreTestResult.Questions {
		if qr.IsCorrect {
			continue
		}
		if _, err := eng.SelectQuestion(qr.QuestionID); err != nil {
			return err
		}
		cur, err := eng.Teach(ctx, eng.IntroContext(qr.QuestionID))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "[%s] tutee: %s\n", qr.QuestionID, lastReply(cur))

		q := eng.PretestQuestion(qr.QuestionID)
		lesson := "Think through each option and rule out the ones that conflict with the definition."
		if q != nil && q.Explanation != "" {
			lesson = q.Explanation
		}
		cur, err = eng.Teach(ctx, lesson)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "[%s] tutee: %s\n", qr.QuestionID, lastReply(cur))

		if _, err := eng.MarkAddressed(ctx, qr.QuestionID); err != nil {
			return err
		}
		fmt.Fprintf(out, "[%s] addressed\n\n", qr.QuestionID)
	}
	return nil
}

// teachLoop drives the interactive terminal session. Plain lines are
// teaching turns; :done closes the current question, :switch <id> moves
// to another, :end finishes teaching.
func teachLoop(ctx context.Context, eng *session.Engine, snap *session.Snapshot, in io.Reader, out io.Writer) error {
	current := eng.FirstWrongQuestion()
	if current == "" && len(snap.Session.PreTestResult.Questions) > 0 {
		current = snap.Session.PreTestResult.Questions[0].QuestionID
	}
	if current == "" {
		return nil
	}

	if _, err := eng.SelectQuestion(current); err != nil {
		return err
	}
	cur, err := eng.Teach(ctx, eng.IntroContext(current))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Commands: :done  :switch <question>  :end")
	fmt.Fprintf(out, "\n[%s] tutee: %s\n", current, lastReply(cur))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "[%s] you> ", current)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == ":end":
			return nil
		case line == ":done":
			done, err := eng.MarkAddressed(ctx, current)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			fmt.Fprintf(out, "[%s] addressed\n", current)
			next := nextUnaddressed(done)
			if next == "" {
				return nil
			}
			current = next
			if _, err := eng.SelectQuestion(current); err != nil {
				return err
			}
			cur, err := eng.Teach(ctx, eng.IntroContext(current))
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			fmt.Fprintf(out, "\n[%s] tutee: %s\n", current, lastReply(cur))
		case strings.HasPrefix(line, ":switch "):
			qid := strings.TrimSpace(strings.TrimPrefix(line, ":switch "))
			if _, err := eng.SelectQuestion(qid); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			current = qid
		default:
			cur, err := eng.Teach(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			fmt.Fprintf(out, "[%s] tutee: %s\n", current, lastReply(cur))
			if cur.BudgetExceeded {
				fmt.Fprintf(out, "(turn budget of %d exceeded; consider :done or :end)\n", cur.TurnBudget)
			}
		}
	}
}

// nextUnaddressed picks the next pre-test question answered wrong whose
// sub-session is not yet addressed.
func nextUnaddressed(snap *session.Snapshot) string {
	if snap.Session.PreTestResult == nil {
		return ""
	}
	for _, qr := range snap.Session.PreTestResult.Questions {
		if qr.IsCorrect {
			continue
		}
		if sub, ok := snap.Session.SubSessions[qr.QuestionID]; ok && sub.Status == model.SubAddressed {
			continue
		}
		return qr.QuestionID
	}
	return ""
}

func lastReply(snap *session.Snapshot) string {
	for i := len(snap.Session.History) - 1; i >= 0; i-- {
		if snap.Session.History[i].Role == model.RoleStudent {
			return snap.Session.History[i].Content
		}
	}
	return ""
}

func runRate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sessionID := v.GetString("session")
	turns, err := db.GetTurns(sessionID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}

	gen, err := generatorFor(ctx, v, nil)
	if err != nil {
		return err
	}

	rating, err := rater.New(gen).Rate(ctx, turns)
	if err != nil {
		return fmt.Errorf("rate transcript: %w", err)
	}
	if err := db.SaveRating(sessionID, *rating); err != nil {
		return fmt.Errorf("save rating: %w", err)
	}

	data, err := json.MarshalIndent(rating, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var payload any
	if id := v.GetString("session"); id != "" {
		se, err := db.ExportSession(id)
		if err != nil {
			return fmt.Errorf("export session: %w", err)
		}
		if se == nil {
			return fmt.Errorf("session %s not found", id)
		}
		payload = se
	} else {
		export, err := db.ExportAllSessions()
		if err != nil {
			return fmt.Errorf("export sessions: %w", err)
		}
		payload = export
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or TUTEE_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
