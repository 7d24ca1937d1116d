// ABOUTME: AuditLogger writing append-only usage records for every invocation attempt
// ABOUTME: Detaches from caller cancellation, truncates snapshots and fans out to sinks

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/store"
)

const (
	// DefaultMaxSnapshotBytes caps stored argument and result snapshots.
	DefaultMaxSnapshotBytes = 64 << 10
	writeTimeout            = 5 * time.Second
	truncatedMarker         = "...[truncated]"
)

// Recorder persists usage records.
type Recorder interface {
	RecordUsage(ctx context.Context, rec *store.UsageRecord) error
}

// Sink receives copies of written records. Write must not block.
type Sink interface {
	Write(rec *store.UsageRecord)
	Close()
}

// Entry describes one invocation attempt.
type Entry struct {
	Principal *auth.Principal
	ToolName  string
	Arguments map[string]any
	Outcome   store.Outcome
	Result    string
}

// Config configures a Logger.
type Config struct {
	Recorder         Recorder
	Sinks            []Sink
	MaxSnapshotBytes int
	Now              func() time.Time
	Logger           *slog.Logger
}

// Logger is the AuditLogger.
type Logger struct {
	recorder    Recorder
	sinks       []Sink
	maxSnapshot int
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Logger.
func New(cfg Config) *Logger {
	l := &Logger{
		recorder:    cfg.Recorder,
		sinks:       cfg.Sinks,
		maxSnapshot: cfg.MaxSnapshotBytes,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if l.maxSnapshot <= 0 {
		l.maxSnapshot = DefaultMaxSnapshotBytes
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "audit")
	return l
}

// Record writes one usage record for e. It ignores ctx's cancellation but
// keeps its values.
func (l *Logger) Record(ctx context.Context, e Entry) (*store.UsageRecord, error) {
	if e.Principal == nil {
		return nil, fmt.Errorf("audit record for %q has no principal", e.ToolName)
	}

	rec := &store.UsageRecord{
		ID:            uuid.New().String(),
		PrincipalKey:  e.Principal.Key(),
		AccountID:     e.Principal.AccountID,
		CredentialRef: e.Principal.CredentialRef,
		Role:          e.Principal.Role,
		ToolName:      e.ToolName,
		Arguments:     truncate(snapshotArguments(e.Arguments), l.maxSnapshot),
		Outcome:       e.Outcome,
		Result:        truncate(e.Result, l.maxSnapshot),
		CreatedAt:     l.now(),
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := l.recorder.RecordUsage(wctx, rec); err != nil {
		l.logger.Error("failed to write usage record",
			"tool_name", rec.ToolName,
			"principal", rec.PrincipalKey,
			"outcome", rec.Outcome,
			"error", err,
		)
		return nil, fmt.Errorf("recording usage: %w", err)
	}

	for _, s := range l.sinks {
		s.Write(rec)
	}
	return rec, nil
}

// Close closes every sink.
func (l *Logger) Close() {
	for _, s := range l.sinks {
		s.Close()
	}
}

func snapshotArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncatedMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}
