package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/contextcfg"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/taskstore"
)

// Sessions hosts one coding-agent execution context per worker.
type Sessions interface {
	SessionName(worker string) string
	Exists(worker string) bool
	Start(ctx context.Context, worker, dir, prompt string) error
	Send(ctx context.Context, worker, text string) error
	Stop(ctx context.Context, worker string) error
}

// Git covers the trunk and worktree operations auto mode needs.
type Git interface {
	IsClean(dir string) (bool, error)
	HeadSHA(dir string) (string, error)
	BranchSHA(repoDir, branch string) (string, error)
	EnsureWorktree(repoDir, path, branch, base string) error
	ExcludePath(repoDir, pattern string) error
	HasUncommittedChanges(dir string) (bool, error)
	CommitAll(dir, message string) error
	Rebase(dir, onto string) ([]string, error)
	RebaseInProgress(dir string) (bool, error)
	CommitsAhead(dir, base string) (int, error)
	Squash(dir, base, message string) (sha string, changed bool, err error)
	FastForward(repoDir, branch string) error
	ResetWorktree(dir, ref string) error
}

// Deps bundles the collaborators shared by the daemon's components.
type Deps struct {
	Store    taskstore.Store
	Git      Git
	Sessions Sessions
	Runner   command.Runner
	Prompts  *contextcfg.Config
	Bus      *events.Bus
	// PostAcceptLog receives one entry per post-accept command run.
	PostAcceptLog *events.Journal
	Clock         func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d Deps) publish(eventType events.EventType, data map[string]any) {
	if d.Bus != nil {
		d.Bus.Publish(eventType, data)
	}
}

// logSink gives a component the daemon's "<time> LEVEL component: msg" log.
type logSink struct {
	logger    *log.Logger
	level     logging.Level
	component string
}

func (s logSink) log(level logging.Level, format string, args ...any) {
	if s.logger == nil || level < s.level {
		return
	}
	s.logger.Println(logging.FormatLine(time.Now(), level, s.component, fmt.Sprintf(format, args...)))
}
