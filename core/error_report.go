package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrorReport is one captured failure, serialized as a JSON diagnostic
// file an operator can attach to a bug report: the error itself plus
// enough system and environment context to reproduce.
type ErrorReport struct {
	ErrorID     string            `json:"error_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Kind        ErrorKind         `json:"kind"`
	Message     string            `json:"message"`
	Field       string            `json:"field,omitempty"`
	RowID       string            `json:"row_id,omitempty"`
	Cause       string            `json:"cause,omitempty"`
	SystemInfo  map[string]string `json:"system_info"`
	Environment map[string]string `json:"environment"`
	Extra       map[string]any    `json:"extra,omitempty"`
}

// safeEnvVars is the subset of environment variables worth echoing into
// a report. Deliberately a closed list: reports must never leak
// credentials or the full environment.
var safeEnvVars = []string{
	"SERVER_LANGUAGE", "SERVER_IP", "SERVER_PORT", "SERVER_USE_SSL",
	"CONNECTION_TIMEOUT", "RECONNECT_ATTEMPTS", "RECONNECT_DELAY",
	"LOG_LEVEL", "DB_IDENTITY", "PROTOCOL", "HOME", "USER",
}

// ErrorReporter captures errors as ErrorReport values, keeps the most
// recent maxReports in memory, and (when autoSave is on) writes each
// one to "<dir>/<error_id>.json".
type ErrorReporter struct {
	dir        string
	autoSave   bool
	maxReports int

	mu      sync.Mutex
	reports []ErrorReport
}

// NewErrorReporter builds a reporter writing under dir; an empty dir
// selects "error_reports" under the current working directory. The
// directory is created eagerly when autoSave is on so a capture path
// never fails on a missing parent.
func NewErrorReporter(dir string, autoSave bool, maxReports int) (*ErrorReporter, error) {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, WrapError(ErrConfig, "resolve working directory", err)
		}
		dir = filepath.Join(cwd, "error_reports")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, WrapError(ErrConfig, "resolve error report directory", err)
	}
	if maxReports <= 0 {
		maxReports = 100
	}
	r := &ErrorReporter{dir: abs, autoSave: autoSave, maxReports: maxReports}
	if autoSave {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, WrapError(ErrConfig, "create error report directory", err)
		}
	}
	return r, nil
}

// Dir returns the reporter's resolved output directory.
func (r *ErrorReporter) Dir() string { return r.dir }

func newErrorID(now time.Time) string {
	return fmt.Sprintf("error_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}

func collectSystemInfo() map[string]string {
	info := map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"num_cpu":    fmt.Sprintf("%d", runtime.NumCPU()),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	if cwd, err := os.Getwd(); err == nil {
		info["working_directory"] = cwd
	}
	if len(os.Args) > 0 {
		info["executable"] = os.Args[0]
	}
	return info
}

func collectEnvironmentInfo() map[string]string {
	env := map[string]string{}
	for _, key := range safeEnvVars {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// Capture turns err into an ErrorReport, records it, and (when autoSave
// is on) writes it to disk. Non-CoreError values are reported with an
// empty kind rather than rejected; a diagnostic path must accept
// whatever it is given.
func (r *ErrorReporter) Capture(err error, extra map[string]any) (ErrorReport, error) {
	report := ErrorReport{
		ErrorID:     newErrorID(time.Now()),
		Timestamp:   time.Now(),
		Message:     err.Error(),
		SystemInfo:  collectSystemInfo(),
		Environment: collectEnvironmentInfo(),
		Extra:       extra,
	}
	var ce *CoreError
	if asCoreError(err, &ce) {
		report.Kind = ce.Kind
		report.Message = ce.Message
		report.Field = ce.Field
		report.RowID = ce.RowID
		if ce.Cause != nil {
			report.Cause = ce.Cause.Error()
		}
	}

	r.mu.Lock()
	r.reports = append(r.reports, report)
	if len(r.reports) > r.maxReports {
		r.reports = r.reports[len(r.reports)-r.maxReports:]
	}
	r.mu.Unlock()

	if r.autoSave {
		if err := r.save(report); err != nil {
			packageLogger.WithError(err).Warn("failed to write error report")
			return report, err
		}
	}
	return report, nil
}

func (r *ErrorReporter) save(report ErrorReport) error {
	path := filepath.Join(r.dir, report.ErrorID+".json")
	// The id is generated internally, but keep the guard: nothing this
	// reporter writes may land outside its directory.
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, r.dir+string(filepath.Separator)) {
		return NewError(ErrConfig, fmt.Sprintf("error report path %q escapes %q", path, r.dir))
	}
	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return WrapError(ErrConfig, "marshal error report", err)
	}
	if err := os.WriteFile(abs, blob, 0o600); err != nil {
		return WrapError(ErrConfig, "write error report", err)
	}
	return nil
}

// Reports returns a snapshot of the in-memory report buffer, newest
// last.
func (r *ErrorReporter) Reports() []ErrorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorReport, len(r.reports))
	copy(out, r.reports)
	return out
}

var (
	defaultReporterOnce sync.Once
	defaultReporter     *ErrorReporter
)

// DefaultErrorReporter returns the process-wide reporter writing under
// ${CWD}/error_reports, creating it on first use. Components own their
// reporters explicitly; this accessor exists for code with no reporter
// in reach (top-level recover blocks, CLI error paths).
func DefaultErrorReporter() *ErrorReporter {
	defaultReporterOnce.Do(func() {
		r, err := NewErrorReporter("", true, 100)
		if err != nil {
			packageLogger.WithError(err).Warn("error reporter disabled: cannot create report directory")
			r, _ = NewErrorReporter(os.TempDir(), false, 100)
		}
		defaultReporter = r
	})
	return defaultReporter
}

// CaptureError records err on the default reporter. Fire-and-forget: a
// failure to persist the report is logged, never propagated.
func CaptureError(err error, extra map[string]any) ErrorReport {
	report, _ := DefaultErrorReporter().Capture(err, extra)
	return report
}
