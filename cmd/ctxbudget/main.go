// ctxbudget - session-scoped context admission control and progressive
// context assembly under hard token budgets.
// License: MIT
//
// Copyright (c) 2026 ctxbudget contributors

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/ctxbudget/ctxbudget/pkg/assemble"
	"github.com/ctxbudget/ctxbudget/pkg/config"
	"github.com/ctxbudget/ctxbudget/pkg/logger"
	"github.com/ctxbudget/ctxbudget/pkg/session"
	"github.com/ctxbudget/ctxbudget/pkg/tokens"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "ctxbudget"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".ctxbudget", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(globalConfigPath())
}

func buildEstimator(cfg *config.Config) tokens.Estimator {
	return tokens.HeuristicEstimator{CharsPerToken: cfg.Assemble.CharsPerToken}
}

func buildManager(cfg *config.Config) (*session.Manager, error) {
	var store session.Store
	if cfg.Store.Enabled {
		s, err := session.NewSQLiteStore(cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		store = s
	}
	return session.NewManager(session.Config{
		SessionTimeout:      time.Duration(cfg.Session.TimeoutSeconds) * time.Second,
		CleanupInterval:     time.Duration(cfg.Session.CleanupIntervalSeconds) * time.Second,
		CleanupSchedule:     cfg.Session.CleanupSchedule,
		MaxFilesPerSession:  cfg.Session.MaxFilesPerSession,
		MaxTokensPerSession: cfg.Session.MaxTokensPerSession,
		MaxSessionsPerUser:  cfg.Session.MaxSessionsPerUser,
		Estimator:           buildEstimator(cfg),
		Store:               store,
	})
}

func runAssemble(corpusPath, corpusText, query string, budget int, reserved float64, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if budget <= 0 {
		budget = cfg.Assemble.TotalTokenBudget
	}
	if reserved <= 0 {
		reserved = cfg.Assemble.ReservedFraction
	}

	corpus := corpusText
	if corpusPath != "" {
		data, err := os.ReadFile(corpusPath)
		if err != nil {
			return fmt.Errorf("read corpus: %w", err)
		}
		corpus = string(data)
	}

	asm := assemble.NewAssembler(buildEstimator(cfg))
	res := asm.Assemble(corpus, query, budget, reserved)

	fmt.Println(res.ContextText)
	fmt.Printf("items per level: %v\n", res.Metrics.ItemsPerLevel)
	if res.Metrics.Error != "" {
		fmt.Printf("assembly error: %s\n", res.Metrics.Error)
	}
	return nil
}

type shellState struct {
	mgr       *session.Manager
	asm       *assemble.Assembler
	cfg       *config.Config
	userID    string
	sessionID string
}

func runShell(userID string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	mgr, err := buildManager(cfg)
	if err != nil {
		return err
	}
	mgr.Start()
	defer func() { _ = mgr.Stop() }()

	state := &shellState{
		mgr:    mgr,
		asm:    assemble.NewAssembler(buildEstimator(cfg)),
		cfg:    cfg,
		userID: userID,
	}

	fmt.Printf("%s session shell (type 'help', Ctrl+C to exit)\n\n", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".ctxbudget_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if out := state.dispatch(input); out != "" {
			fmt.Println(out)
		}
	}
}

func (st *shellState) dispatch(input string) string {
	parts := strings.Fields(input)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		return shellHelp
	case "new":
		title := strings.Join(args, " ")
		sess := st.mgr.CreateSession(st.userID, title, "", "")
		st.sessionID = sess.SessionID
		return fmt.Sprintf("Created session %s", sess.SessionID)
	case "use":
		if len(args) != 1 {
			return "usage: use <session-id>"
		}
		if _, ok := st.mgr.GetSession(args[0]); !ok {
			return "no such session"
		}
		st.sessionID = args[0]
		return fmt.Sprintf("Using session %s", st.sessionID)
	case "sessions":
		sessions := st.mgr.ListUserSessions(st.userID)
		if len(sessions) == 0 {
			return "No active sessions."
		}
		lines := []string{"Sessions:"}
		for _, s := range sessions {
			lines = append(lines, fmt.Sprintf("- %s [%s] %q messages=%d", s.SessionID, s.Status, s.Title, s.MessageCount))
		}
		return strings.Join(lines, "\n")
	case "add":
		if st.sessionID == "" {
			return "no session selected (use 'new' or 'use')"
		}
		if len(args) < 1 {
			return "usage: add <path> [branch]"
		}
		branch := "main"
		if len(args) > 1 {
			branch = args[1]
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Sprintf("read file: %v", err)
		}
		admitted, err := st.mgr.AddFile(st.sessionID, session.FileInput{
			Path:    args[0],
			Branch:  branch,
			Content: string(data),
		})
		if err != nil {
			return err.Error()
		}
		if !admitted {
			return "context is full: remove a file or raise the caps"
		}
		return fmt.Sprintf("Added %s@%s", args[0], branch)
	case "remove":
		if st.sessionID == "" {
			return "no session selected"
		}
		if len(args) < 1 {
			return "usage: remove <path> [branch]"
		}
		branch := "main"
		if len(args) > 1 {
			branch = args[1]
		}
		removed, err := st.mgr.RemoveFile(st.sessionID, args[0], branch)
		if err != nil {
			return err.Error()
		}
		if !removed {
			return "nothing to remove"
		}
		return fmt.Sprintf("Removed %s@%s", args[0], branch)
	case "clear":
		if st.sessionID == "" {
			return "no session selected"
		}
		if err := st.mgr.ClearFiles(st.sessionID); err != nil {
			return err.Error()
		}
		return "Context cleared."
	case "files":
		if st.sessionID == "" {
			return "no session selected"
		}
		summary, ok := st.mgr.ContextSummary(st.sessionID)
		if !ok {
			return "no such session"
		}
		return formatSummary(summary)
	case "ask":
		if st.sessionID == "" {
			return "no session selected"
		}
		if len(args) == 0 {
			return "usage: ask <query>"
		}
		query := strings.Join(args, " ")
		corpus := st.sessionCorpus()
		res := st.asm.Assemble(corpus, query, st.cfg.Assemble.TotalTokenBudget, st.cfg.Assemble.ReservedFraction)
		_, _ = st.mgr.AppendMessage(st.sessionID, "user", query, nil, nil, nil)
		return res.ContextText
	case "stats":
		stats := st.mgr.Stats()
		return fmt.Sprintf("sessions=%d active=%d messages=%d swept=%d",
			stats.TotalSessions, stats.ActiveSessions, stats.TotalMessages, stats.ExpiredSwept)
	default:
		return fmt.Sprintf("unknown command %q (try 'help')", cmd)
	}
}

// sessionCorpus flattens the session's admitted files into a repository-dump
// style corpus for the assembler.
func (st *shellState) sessionCorpus() string {
	ctx, ok := st.mgr.Context(st.sessionID)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, fc := range ctx.Files() {
		fmt.Fprintf(&b, "File: %s\n%s\n\n", fc.Path, fc.Content)
	}
	return b.String()
}

func formatSummary(s session.ContextSummary) string {
	lines := []string{fmt.Sprintf("Files %d/%d, tokens %d/%d (remaining: %d files, %d tokens)",
		s.TotalFiles, s.MaxFiles, s.TotalTokens, s.MaxTokens, s.RemainingFiles, s.RemainingTokens)}
	files := append([]session.FileSummary(nil), s.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		lang := f.Language
		if lang == "" {
			lang = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- %s@%s %s %dB ~%d tokens", f.Path, f.Branch, lang, f.Size, f.TokenEstimate))
	}
	return strings.Join(lines, "\n")
}

const shellHelp = `Commands:
  new [title]          create a session and select it
  use <session-id>     select an existing session
  sessions             list your active sessions
  add <path> [branch]  admit a file into the selected session
  remove <path> [br]   remove a file
  clear                empty the session context
  files                show the context summary
  ask <query>          assemble budgeted context from the session files
  stats                manager counters
  exit                 leave the shell`
