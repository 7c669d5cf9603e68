package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/sftp_sync/internal/logctx"
	"github.com/italolelis/sftp_sync/internal/manifest"
	"github.com/italolelis/sftp_sync/internal/progress"
	"github.com/italolelis/sftp_sync/internal/storage"
	"github.com/italolelis/sftp_sync/internal/telemetry"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Session.
type Option func(*options)

type options struct {
	reporter    progress.Reporter
	maxAttempts int
	backoff     time.Duration
	telemetry   *telemetry.Telemetry
	sleep       SleepFunc
}

func defaultOptions() options {
	return options{
		reporter:    progress.Nop{},
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		sleep:       sleepContext,
	}
}

// WithReporter sets the progress sink.
func WithReporter(r progress.Reporter) Option {
	return func(o *options) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithMaxAttempts sets how many times one item, or the initial connect, is tried.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the fixed pause between attempts.
func WithBackoff(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithTelemetry records session, item and retry metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = t
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Session transfers a tree item by item, committing progress after every file so an interrupted
// transfer can resume. Items are processed sequentially; a Session runs one transfer at a time.
type Session struct {
	dialer Dialer
	creds  Credentials
	store  storage.ProgressStore
	opts   options
}

// NewSession creates a session that dials creds through dialer and keeps progress in store.
func NewSession(dialer Dialer, creds Credentials, store storage.ProgressStore, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Session{dialer: dialer, creds: creds, store: store, opts: o}
}

// Upload copies the local tree at localRoot into remoteRoot.
func (s *Session) Upload(ctx context.Context, localRoot, remoteRoot string, resume bool) (*Report, error) {
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local root: %w", err)
	}

	root = filepath.Clean(root)
	dest := path.Clean(remoteRoot)

	return s.execute(ctx, plan{
		key: storage.Key{Direction: storage.Upload, Root: root},
		enumerate: func(ctx context.Context, _ *run) (manifest.Manifest, error) {
			return manifest.Local(ctx, root)
		},
		ensureDir: func(ctx context.Context, r *run, rel string) error {
			ch, err := r.channel(ctx)
			if err != nil {
				return err
			}

			return ensureRemoteDir(ctx, ch, path.Join(dest, rel))
		},
		copy: func(ctx context.Context, ch Channel, e manifest.Entry, onProgress ByteProgressFunc) error {
			return ch.Put(ctx, filepath.Join(root, filepath.FromSlash(e.Path)), path.Join(dest, e.Path), onProgress)
		},
	}, resume)
}

// Download copies the remote tree at remoteRoot into localRoot.
func (s *Session) Download(ctx context.Context, remoteRoot, localRoot string, resume bool) (*Report, error) {
	root := path.Clean(remoteRoot)

	dest, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local destination: %w", err)
	}

	return s.execute(ctx, plan{
		key: storage.Key{Direction: storage.Download, Root: root},
		enumerate: func(ctx context.Context, r *run) (manifest.Manifest, error) {
			ch, err := r.connect(ctx)
			if err != nil {
				return manifest.Manifest{}, err
			}

			return manifest.Remote(ctx, ch, root, manifest.WithAbortOn(abortsEnumeration))
		},
		ensureDir: func(_ context.Context, _ *run, rel string) error {
			p := filepath.Join(dest, filepath.FromSlash(rel))
			if err := os.MkdirAll(p, 0o755); err != nil {
				return &PathError{Path: p, Reason: "cannot create directory", Err: err}
			}

			return nil
		},
		copy: func(ctx context.Context, ch Channel, e manifest.Entry, onProgress ByteProgressFunc) error {
			return ch.Get(ctx, path.Join(root, e.Path), filepath.Join(dest, filepath.FromSlash(e.Path)), onProgress)
		},
	}, resume)
}

// UploadFiles copies a loose selection of local files into remoteDir under their base names. It
// shares the retry policy of Upload but keeps no progress record.
func (s *Session) UploadFiles(ctx context.Context, localPaths []string, remoteDir string) (*Report, error) {
	dest := path.Clean(remoteDir)
	sources := make(map[string]string, len(localPaths))
	m := manifest.Manifest{Root: dest}

	for _, p := range localPaths {
		name := filepath.Base(p)
		if _, dup := sources[name]; dup {
			return nil, fmt.Errorf("duplicate file name %q in selection", name)
		}

		sources[name] = p

		entry := manifest.Entry{Path: name, Kind: manifest.KindFile}
		if info, err := os.Stat(p); err == nil {
			entry.Size = info.Size()
		}

		m.Entries = append(m.Entries, entry)
	}

	return s.execute(ctx, plan{
		key:       storage.Key{Direction: storage.Upload, Root: dest},
		ephemeral: true,
		enumerate: func(context.Context, *run) (manifest.Manifest, error) {
			return m, nil
		},
		ensureDir: func(ctx context.Context, r *run, rel string) error {
			ch, err := r.channel(ctx)
			if err != nil {
				return err
			}

			return ensureRemoteDir(ctx, ch, path.Join(dest, rel))
		},
		copy: func(ctx context.Context, ch Channel, e manifest.Entry, onProgress ByteProgressFunc) error {
			return ch.Put(ctx, sources[e.Path], path.Join(dest, e.Path), onProgress)
		},
	}, false)
}

// TestConnection dials creds with the setup retry policy and closes the channel again.
func TestConnection(ctx context.Context, dialer Dialer, creds Credentials, opts ...Option) error {
	s := NewSession(dialer, creds, nil, opts...)
	r := s.newRun(ctx, storage.Key{})

	defer r.close(ctx)

	_, err := r.connect(ctx)

	return err
}

// plan binds the direction-specific steps of a session.
type plan struct {
	key storage.Key
	// ephemeral sessions neither read nor write progress.
	ephemeral bool
	enumerate func(ctx context.Context, r *run) (manifest.Manifest, error)
	ensureDir func(ctx context.Context, r *run, rel string) error
	copy      func(ctx context.Context, ch Channel, e manifest.Entry, onProgress ByteProgressFunc) error
}

// run is the state of one session execution. It owns at most one channel at a time.
type run struct {
	s        *Session
	key      storage.Key
	ch       Channel
	logger   *slog.Logger
	reporter progress.Reporter
}

func (s *Session) newRun(ctx context.Context, key storage.Key) *run {
	return &run{
		s:        s,
		key:      key,
		logger:   logctx.LoggerFromContext(ctx),
		reporter: progress.Safe(ctx, s.opts.reporter),
	}
}

func (s *Session) execute(ctx context.Context, p plan, resume bool) (*Report, error) {
	ctx = logctx.WithSessionID(ctx, uuid.NewString())
	logger := logctx.LoggerFromContext(ctx).With("direction", p.key.Direction, "root", p.key.Root)
	ctx = logctx.WithLogger(ctx, logger)

	r := s.newRun(ctx, p.key)
	defer r.close(ctx)

	var report *Report

	err := s.opts.telemetry.InstrumentSession(ctx, "items", string(p.key.Direction), func(ctx context.Context) (string, error) {
		var err error

		report, err = r.execute(ctx, p, resume)
		if err != nil {
			return "", err
		}

		if report.OK() {
			return "complete", nil
		}

		return "incomplete", nil
	})

	return report, err
}

func (r *run) execute(ctx context.Context, p plan, resume bool) (*Report, error) {
	logger := r.logger
	tel := r.s.opts.telemetry

	m, err := p.enumerate(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", p.key.Root, err)
	}

	files := m.Files()
	report := &Report{Direction: p.key.Direction, Root: p.key.Root, Total: len(files)}

	report.Skipped = m.Skipped

	for _, skipped := range m.Skipped {
		report.Warnings = append(report.Warnings, "skipped unreadable "+skipped)
	}

	completed, err := r.loadCompleted(ctx, p, resume)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}

	remaining := make([]manifest.Entry, 0, len(files))

	for _, f := range files {
		if done[f.Path] {
			report.Completed++
		} else {
			remaining = append(remaining, f)
		}
	}

	logger.InfoContext(ctx, "session started",
		"files", len(files),
		"dirs", len(m.Dirs()),
		"already_completed", report.Completed,
		"size", humanize.Bytes(uint64(m.TotalBytes())))

	if len(remaining) == 0 && len(completed) > 0 {
		logger.InfoContext(ctx, "nothing left to transfer")
		r.reporter.Report(1, report.Summary())

		if len(m.Skipped) == 0 {
			if err := r.clear(ctx, p); err != nil {
				return nil, err
			}
		}

		return report, nil
	}

	if _, err := r.connect(ctx); err != nil {
		return nil, err
	}

	if err := r.ensureDirs(ctx, p, m, report); err != nil {
		return report, err
	}

	for i, entry := range remaining {
		if err := ctx.Err(); err != nil {
			logger.InfoContext(ctx, "session cancelled", "completed", report.Completed, "err", err)

			return report, err
		}

		base := float64(report.Completed) / float64(max(len(files), 1))
		r.reporter.Report(base, fmt.Sprintf("Transferring %s (%d/%d)", entry.Path, i+1, len(remaining)))

		result, err := r.transferItem(ctx, p, entry, len(files), report.Completed)
		report.Items = append(report.Items, result)
		tel.RecordItem(string(p.key.Direction), result.State.String())

		if result.State == StateDone {
			tel.RecordBytes(string(p.key.Direction), result.Bytes)

			completed = append(completed, entry.Path)
			report.Completed++

			if err := r.save(ctx, p, completed); err != nil {
				return report, err
			}
		}

		if err != nil {
			logger.ErrorContext(ctx, "session aborted", "path", entry.Path, "err", err)

			return report, err
		}
	}

	if report.Completed == len(files) && len(m.Skipped) == 0 {
		if err := r.clear(ctx, p); err != nil {
			return report, err
		}
	}

	r.reporter.Report(1, report.Summary())

	logger.InfoContext(ctx, "session finished",
		"completed", report.Completed,
		"failed", report.Failed(),
		"transferred", humanize.Bytes(uint64(report.BytesTransferred())))

	return report, nil
}

func (r *run) loadCompleted(ctx context.Context, p plan, resume bool) ([]string, error) {
	if p.ephemeral {
		return nil, nil
	}

	if !resume {
		if err := r.s.store.Clear(ctx, p.key); err != nil {
			return nil, fmt.Errorf("failed to clear stale progress: %w", err)
		}

		return nil, nil
	}

	completed, err := r.s.store.Completed(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}

	return completed, nil
}

func (r *run) save(ctx context.Context, p plan, completed []string) error {
	if p.ephemeral {
		return nil
	}

	if err := r.s.store.Save(ctx, p.key, completed); err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	return nil
}

func (r *run) clear(ctx context.Context, p plan) error {
	if p.ephemeral {
		return nil
	}

	if err := r.s.store.Clear(ctx, p.key); err != nil {
		return fmt.Errorf("failed to clear completed progress: %w", err)
	}

	return nil
}

// ensureDirs creates the destination root and every manifest directory before any file is copied.
// A directory that cannot be created is a warning; the files below it fail on their own.
func (r *run) ensureDirs(ctx context.Context, p plan, m manifest.Manifest, report *Report) error {
	dirs := append([]string{""}, m.Paths(manifest.KindDir)...)

	for _, rel := range dirs {
		_, err := r.attempt(ctx, "ensure_dir", rel, func(ctx context.Context) error {
			return p.ensureDir(ctx, r, rel)
		})
		if err == nil {
			continue
		}

		if isFatal(err) {
			return err
		}

		report.Warnings = append(report.Warnings, fmt.Sprintf("cannot create directory %q: %v", rel, err))
		r.logger.WarnContext(ctx, "failed to ensure directory", "path", rel, "err", err)
	}

	return nil
}

// transferItem copies one file with the per-item retry policy. The returned error is non-nil only
// when the whole session must stop.
func (r *run) transferItem(ctx context.Context, p plan, e manifest.Entry, totalFiles, doneFiles int) (ItemResult, error) {
	result := ItemResult{Path: e.Path, State: StatePending}

	var bytes int64

	n := 0
	overall := float64(doneFiles) / float64(max(totalFiles, 1))

	onProgress := func(transferred, total int64) {
		bytes = transferred

		fraction := 0.0
		if total > 0 {
			fraction = float64(transferred) / float64(total)
		}

		overall = max(overall, (float64(doneFiles)+fraction)/float64(max(totalFiles, 1)))
		r.reporter.Report(overall, fmt.Sprintf("%s: %s of %s", e.Path, humanize.Bytes(uint64(transferred)), humanize.Bytes(uint64(total))))
	}

	attempts, err := r.attempt(ctx, "transfer", e.Path, func(ctx context.Context) error {
		bytes = 0
		n++

		if n > 1 {
			result.State = StateRetrying
			r.reporter.Report(overall, fmt.Sprintf("Retrying %s (attempt %d/%d)", e.Path, n, r.s.opts.maxAttempts))
		}

		ch, err := r.channel(ctx)
		if err != nil {
			return err
		}

		result.State = StateInProgress

		return p.copy(ctx, ch, e, onProgress)
	})

	result.Attempts = attempts
	result.Bytes = bytes

	switch {
	case err == nil:
		result.State = StateDone
		r.logger.DebugContext(ctx, "item transferred", "path", e.Path, "attempts", attempts)

		return result, nil
	case isFatal(err):
		result.State = StateFailed
		result.Err = err

		return result, err
	default:
		result.State = StateFailed
		result.Err = err
		r.logger.WarnContext(ctx, "item failed", "path", e.Path, "attempts", attempts, "err", err)

		return result, nil
	}
}

// attempt runs fn up to maxAttempts times. Between failed attempts the channel is discarded and the
// fixed backoff observed. Authentication failures and cancellation stop immediately.
func (r *run) attempt(ctx context.Context, operation, item string, fn func(ctx context.Context) error) (int, error) {
	var err error

	for n := 1; n <= r.s.opts.maxAttempts; n++ {
		err = fn(ctx)
		if err == nil {
			return n, nil
		}

		r.discard(ctx)

		if !Retryable(err) || n == r.s.opts.maxAttempts {
			return n, err
		}

		r.s.opts.telemetry.RecordRetry(string(r.key.Direction))
		r.logger.WarnContext(ctx, "attempt failed, retrying",
			"operation", operation,
			"path", item,
			"attempt", n,
			"max_attempts", r.s.opts.maxAttempts,
			"backoff", r.s.opts.backoff,
			"err", err)

		if sleepErr := r.s.opts.sleep(ctx, r.s.opts.backoff); sleepErr != nil {
			return n, sleepErr
		}
	}

	return r.s.opts.maxAttempts, err
}

// connect acquires the channel with the setup retry policy.
func (r *run) connect(ctx context.Context) (Channel, error) {
	var ch Channel

	_, err := r.attempt(ctx, "connect", r.s.creds.Address(), func(ctx context.Context) error {
		var err error

		ch, err = r.channel(ctx)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", r.s.creds.Address(), err)
	}

	return ch, nil
}

// channel returns the current channel, dialing a fresh one if the previous was discarded.
func (r *run) channel(ctx context.Context) (Channel, error) {
	if r.ch != nil {
		return r.ch, nil
	}

	ch, err := r.s.dialer.Dial(ctx, r.s.creds)
	if err != nil {
		return nil, err
	}

	r.ch = ch

	return ch, nil
}

// discard closes and forgets the current channel. A failed channel is never reused.
func (r *run) discard(ctx context.Context) {
	if r.ch == nil {
		return
	}

	if err := r.ch.Close(); err != nil {
		r.logger.DebugContext(ctx, "failed to close discarded channel", "err", err)
	}

	r.ch = nil
}

func (r *run) close(ctx context.Context) {
	r.discard(ctx)
}

// abortsEnumeration reports whether a failure below the source root must fail the enumeration
// instead of skipping the subtree. Only path problems such as permission denied are skippable; a
// dropped or rejected connection would silently shrink the manifest.
func abortsEnumeration(err error) bool {
	switch KindOf(err) {
	case KindPath, KindUnknown:
		return false
	default:
		return true
	}
}

// isFatal reports whether err must end the session rather than the current item.
func isFatal(err error) bool {
	return KindOf(err) == KindAuthentication || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ensureRemoteDir creates dir and any missing parents. Existing directories, including ones created
// concurrently between the check and the create, are accepted.
func ensureRemoteDir(ctx context.Context, ch Channel, dir string) error {
	if isDir, err := ch.IsDir(ctx, dir); err == nil && isDir {
		return nil
	}

	if parent := path.Dir(dir); parent != dir && parent != "." && parent != "/" {
		if err := ensureRemoteDir(ctx, ch, parent); err != nil {
			return err
		}
	}

	if err := ch.Mkdir(ctx, dir); err != nil {
		if isDir, statErr := ch.IsDir(ctx, dir); statErr == nil && isDir {
			return nil
		}

		return err
	}

	return nil
}
