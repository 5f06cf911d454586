package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/cook/internal/model"
)

const (
	defaultMaxLogBytes   = int64(4 << 20) // 4 MiB
	defaultMaxLogBackups = 3
)

// Marker file suffixes written when a job finishes.
const (
	SuccessSuffix = "_SUCCESS"
	FailureSuffix = "_FAILURE"
)

// Sink persists a job's log lines and final report in a directory: a
// size-rotated "<id>.log" with "<id>.log.<unixms>" backups, "<id>-report.json" and a zero-byte
// "<id>_SUCCESS" or "<id>_FAILURE" marker.
type Sink struct {
	log        *slog.Logger
	dir        string
	id         string
	maxBytes   int64
	maxBackups int

	mu sync.Mutex
	f  *os.File
}

// NewSink opens the job log in dir, creating the directory if needed.
func NewSink(dir, jobID string, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	s := &Sink{
		log:        logger,
		dir:        dir,
		id:         jobID,
		maxBytes:   defaultMaxLogBytes,
		maxBackups: defaultMaxLogBackups,
	}
	f, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	s.f = f
	return s, nil
}

// LogPath returns the path of the active log file.
func (s *Sink) LogPath() string { return filepath.Join(s.dir, s.id+".log") }

// ReportPath returns the path of the report file.
func (s *Sink) ReportPath() string { return filepath.Join(s.dir, s.id+"-report.json") }

// MarkerPath returns the path of the marker file with the given suffix.
func (s *Sink) MarkerPath(suffix string) string { return filepath.Join(s.dir, s.id+suffix) }

// LogEvent appends one line to the job log. Failures are logged, not
// returned, so a full disk never breaks a running job.
func (s *Sink) LogEvent(e model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return
	}
	line := fmt.Sprintf("%s %-7s %s/%s: %s\n",
		e.Time.UTC().Format("2006-01-02T15:04:05.000Z"), strings.ToUpper(e.Level), e.Module, e.Sender, e.Message)
	if _, err := s.f.WriteString(line); err != nil {
		s.log.Warn("job log write failed", "job_id", s.id, "error", err)
		return
	}
	s.maybeRotateLocked()
}

func (s *Sink) maybeRotateLocked() {
	st, err := s.f.Stat()
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	_ = s.f.Close()
	stamp := time.Now().UnixMilli()
	for {
		if _, err := os.Stat(s.backupPath(stamp)); err != nil {
			break
		}
		stamp++
	}
	if err := os.Rename(s.LogPath(), s.backupPath(stamp)); err != nil {
		s.log.Warn("job log rotate failed", "job_id", s.id, "error", err)
	}
	f, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("job log reopen failed", "job_id", s.id, "error", err)
		s.f = nil
		return
	}
	s.f = f

	backups := s.backupsLocked()
	if len(backups) <= s.maxBackups {
		return
	}
	for _, stamp := range backups[:len(backups)-s.maxBackups] {
		_ = os.Remove(s.backupPath(stamp))
	}
}

// backupPath names a rotated log "<id>.log.<unixms>". The numeric tail
// keeps the backups of job "a" apart from the logs of job "a-1".
func (s *Sink) backupPath(stamp int64) string {
	return s.LogPath() + "." + strconv.FormatInt(stamp, 10)
}

// backupsLocked lists the stamps of rotated logs, oldest first.
func (s *Sink) backupsLocked() []int64 {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var stamps []int64
	prefix := s.id + ".log."
	for _, ent := range ents {
		name, ok := strings.CutPrefix(ent.Name(), prefix)
		if ent.IsDir() || !ok {
			continue
		}
		stamp, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		stamps = append(stamps, stamp)
	}
	slices.Sort(stamps)
	return stamps
}

// WriteReport replaces the report file atomically.
func (s *Sink) WriteReport(r model.JobReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, s.id+"-report-*.tmp")
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.ReportPath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// MarkFinished writes the final report and the marker matching the
// outcome. Any marker from an earlier outcome is removed.
func (s *Sink) MarkFinished(r model.JobReport, runErr error) error {
	errReport := s.WriteReport(r)

	suffix, stale := SuccessSuffix, FailureSuffix
	if r.State != model.StateDone || runErr != nil {
		suffix, stale = FailureSuffix, SuccessSuffix
	}
	if err := os.Remove(s.MarkerPath(stale)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("remove stale marker failed", "job_id", s.id, "error", err)
	}
	errMarker := os.WriteFile(s.MarkerPath(suffix), nil, 0o644)
	if errMarker != nil {
		errMarker = fmt.Errorf("write marker: %w", errMarker)
	}
	return errors.Join(errReport, errMarker)
}

// Close closes the log file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
