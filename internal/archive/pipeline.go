// Package archive moves a whole tree as one compressed artifact: compress, transfer once, extract on
// the other side, then clean up both copies. It trades per-item resumability for fewer round trips.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/sftp_sync/internal/logctx"
	"github.com/italolelis/sftp_sync/internal/manifest"
	"github.com/italolelis/sftp_sync/internal/progress"
	"github.com/italolelis/sftp_sync/internal/storage"
	"github.com/italolelis/sftp_sync/internal/telemetry"
	"github.com/italolelis/sftp_sync/internal/transfer"
)

// Progress windows of each stage. Only their order is meaningful.
var (
	stageConnect  = progress.Stage{From: 0, To: 0.05}
	stageCompress = progress.Stage{From: 0.10, To: 0.50}
	stageTransfer = progress.Stage{From: 0.60, To: 0.90}
	stageExtract  = progress.Stage{From: 0.90, To: 0.95}
)

const (
	uploadPrefix   = "upload_"
	downloadPrefix = "download_"
	archiveExt     = ".tar.gz"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReporter sets the progress sink.
func WithReporter(r progress.Reporter) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.reporter = r
		}
	}
}

// WithLocalDir sets where local archive artifacts are written.
func WithLocalDir(dir string) Option {
	return func(p *Pipeline) {
		if dir != "" {
			p.localDir = dir
		}
	}
}

// WithRemoteDir sets the remote temp directory for archive artifacts.
func WithRemoteDir(dir string) Option {
	return func(p *Pipeline) {
		if dir != "" {
			p.remoteDir = dir
		}
	}
}

// WithCommands replaces the remote shell commands.
func WithCommands(c Commands) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.commands = c
		}
	}
}

// WithTelemetry records session and byte metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(p *Pipeline) {
		p.telemetry = t
	}
}

// WithIDGenerator replaces the artifact suffix generator.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// Pipeline runs archive transfers. It holds no per-transfer state and may be shared.
type Pipeline struct {
	dialer    transfer.Dialer
	creds     transfer.Credentials
	reporter  progress.Reporter
	localDir  string
	remoteDir string
	commands  Commands
	telemetry *telemetry.Telemetry
	newID     func() string
}

// NewPipeline creates a pipeline that dials creds through dialer.
func NewPipeline(dialer transfer.Dialer, creds transfer.Credentials, opts ...Option) *Pipeline {
	p := &Pipeline{
		dialer:    dialer,
		creds:     creds,
		reporter:  progress.Nop{},
		localDir:  filepath.Join(os.TempDir(), "sftp_sync"),
		remoteDir: "/tmp",
		commands:  TarCommands{},
		newID:     uuid.NewString,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Result describes a finished archive transfer.
type Result struct {
	Direction   storage.Direction
	Source      string
	Destination string
	Files       int
	// ArchiveBytes is the size of the compressed artifact.
	ArchiveBytes int64
	Skipped      []string
	// Warnings collects cleanup failures, which never fail a transfer.
	Warnings []string
}

// Summary renders the closing line shown to users.
func (r *Result) Summary() string {
	verb := "uploaded"
	if r.Direction == storage.Download {
		verb = "downloaded"
	}

	return fmt.Sprintf("✅ %s %d files from %s to %s (%s archive)",
		verb, r.Files, r.Source, r.Destination, humanize.Bytes(uint64(r.ArchiveBytes)))
}

// Lines renders skipped files and warnings followed by the summary.
func (r *Result) Lines() []string {
	lines := make([]string, 0, len(r.Skipped)+len(r.Warnings)+1)

	for _, s := range r.Skipped {
		lines = append(lines, "⚠️ skipped vanished file "+s)
	}

	for _, w := range r.Warnings {
		lines = append(lines, "⚠️ "+w)
	}

	return append(lines, r.Summary())
}

// job is the state of one archive transfer.
type job struct {
	p             *Pipeline
	ch            transfer.Channel
	logger        *slog.Logger
	reporter      progress.Reporter
	result        *Result
	localArchive  string
	remoteArchive string
}

func (p *Pipeline) newJob(ctx context.Context, direction storage.Direction, source, dest, prefix string) *job {
	name := prefix + p.newID() + archiveExt

	return &job{
		p:             p,
		logger:        logctx.LoggerFromContext(ctx),
		reporter:      progress.Safe(ctx, p.reporter),
		result:        &Result{Direction: direction, Source: source, Destination: dest},
		localArchive:  filepath.Join(p.localDir, name),
		remoteArchive: path.Join(p.remoteDir, name),
	}
}

// Upload archives the local tree at localRoot and unpacks it into remoteDest on the remote host.
func (p *Pipeline) Upload(ctx context.Context, localRoot, remoteDest string) (*Result, error) {
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local root: %w", err)
	}

	remoteDest = path.Clean(remoteDest)

	ctx = logctx.WithSessionID(ctx, uuid.NewString())
	ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("strategy", "archive", "direction", storage.Upload, "root", root))

	m, err := manifest.Local(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", root, err)
	}

	if len(m.Entries) == 0 {
		return nil, &transfer.PathError{Path: root, Reason: "folder is empty"}
	}

	j := p.newJob(ctx, storage.Upload, root, remoteDest, uploadPrefix)

	err = p.telemetry.InstrumentSession(ctx, "archive", string(storage.Upload), func(ctx context.Context) (string, error) {
		return "complete", j.upload(ctx, root, m, remoteDest)
	})
	if err != nil {
		return j.result, err
	}

	return j.result, nil
}

func (j *job) upload(ctx context.Context, root string, m manifest.Manifest, remoteDest string) (err error) {
	defer j.close(ctx)
	defer j.finish(ctx, &err)

	if err := j.connect(ctx); err != nil {
		return err
	}

	if err := j.compressLocal(ctx, root, m); err != nil {
		return err
	}

	if err := j.put(ctx); err != nil {
		return err
	}

	j.reporter.Report(stageExtract.From, "Extracting on remote")

	res, err := j.ch.Exec(ctx, j.p.commands.Extract(j.remoteArchive, remoteDest))
	if err != nil {
		return err
	}

	if res.ExitStatus != 0 {
		return &transfer.ExtractionError{Archive: j.remoteArchive, Stderr: res.Stderr, ExitStatus: res.ExitStatus}
	}

	j.reporter.Report(stageExtract.To, "Cleaning up")
	j.logger.InfoContext(ctx, "archive uploaded", "files", j.result.Files, "archive_size", humanize.Bytes(uint64(j.result.ArchiveBytes)))

	return nil
}

// Download compresses remoteRoot on the remote host, fetches the archive and unpacks it into
// localDest. An existing localDest is removed first.
func (p *Pipeline) Download(ctx context.Context, remoteRoot, localDest string) (*Result, error) {
	remoteRoot = path.Clean(remoteRoot)

	dest, err := filepath.Abs(localDest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local destination: %w", err)
	}

	ctx = logctx.WithSessionID(ctx, uuid.NewString())
	ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("strategy", "archive", "direction", storage.Download, "root", remoteRoot))

	j := p.newJob(ctx, storage.Download, remoteRoot, dest, downloadPrefix)

	err = p.telemetry.InstrumentSession(ctx, "archive", string(storage.Download), func(ctx context.Context) (string, error) {
		return "complete", j.download(ctx, remoteRoot, dest)
	})
	if err != nil {
		return j.result, err
	}

	return j.result, nil
}

func (j *job) download(ctx context.Context, remoteRoot, dest string) (err error) {
	defer j.close(ctx)
	defer j.finish(ctx, &err)

	if err := j.connect(ctx); err != nil {
		return err
	}

	j.reporter.Report(stageCompress.From, "Compressing on remote")

	res, err := j.ch.Exec(ctx, j.p.commands.Compress(remoteRoot, j.remoteArchive))
	if err != nil {
		return err
	}

	if res.ExitStatus != 0 {
		return &transfer.CompressionError{Archive: j.remoteArchive, Stderr: res.Stderr, ExitStatus: res.ExitStatus}
	}

	j.reporter.Report(stageCompress.To, "Remote archive ready")

	if err := j.get(ctx); err != nil {
		return err
	}

	j.reporter.Report(stageExtract.From, "Extracting locally")

	if err := j.extractLocal(ctx, dest); err != nil {
		return err
	}

	j.reporter.Report(stageExtract.To, "Cleaning up")
	j.logger.InfoContext(ctx, "archive downloaded", "files", j.result.Files, "archive_size", humanize.Bytes(uint64(j.result.ArchiveBytes)))

	return nil
}

func (j *job) connect(ctx context.Context) error {
	j.reporter.Report(stageConnect.From, "Connecting")

	ch, err := j.p.dialer.Dial(ctx, j.p.creds)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", j.p.creds.Address(), err)
	}

	j.ch = ch
	j.reporter.Report(stageConnect.To, "Connected")

	return nil
}

func (j *job) compressLocal(ctx context.Context, root string, m manifest.Manifest) error {
	j.reporter.Report(stageCompress.From, "Compressing")

	if err := os.MkdirAll(j.p.localDir, 0o755); err != nil {
		return &transfer.CompressionError{Archive: j.localArchive, Err: err}
	}

	f, err := os.Create(j.localArchive)
	if err != nil {
		return &transfer.CompressionError{Archive: j.localArchive, Err: err}
	}

	total := m.TotalBytes()

	stats, err := Build(ctx, root, m, f, func(n int64) {
		fraction := 1.0
		if total > 0 {
			fraction = float64(n) / float64(total)
		}

		j.reporter.Report(stageCompress.At(fraction), fmt.Sprintf("Compressing: %s of %s", humanize.Bytes(uint64(n)), humanize.Bytes(uint64(total))))
	})
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}

	if err != nil {
		return &transfer.CompressionError{Archive: j.localArchive, Err: err}
	}

	j.result.Files = stats.Files
	j.result.Skipped = stats.Skipped

	if info, err := os.Stat(j.localArchive); err == nil {
		j.result.ArchiveBytes = info.Size()
	}

	j.reporter.Report(stageCompress.To, "Compressed")

	return nil
}

func (j *job) put(ctx context.Context) error {
	j.reporter.Report(stageTransfer.From, "Uploading archive")

	err := j.ch.Put(ctx, j.localArchive, j.remoteArchive, j.transferProgress("Uploading"))
	if err != nil {
		return err
	}

	j.p.telemetry.RecordBytes(string(storage.Upload), j.result.ArchiveBytes)
	j.reporter.Report(stageTransfer.To, "Archive uploaded")

	return nil
}

func (j *job) get(ctx context.Context) error {
	j.reporter.Report(stageTransfer.From, "Downloading archive")

	if err := os.MkdirAll(j.p.localDir, 0o755); err != nil {
		return &transfer.PathError{Path: j.p.localDir, Reason: "cannot create archive directory", Err: err}
	}

	err := j.ch.Get(ctx, j.remoteArchive, j.localArchive, j.transferProgress("Downloading"))
	if err != nil {
		return err
	}

	if info, err := os.Stat(j.localArchive); err == nil {
		j.result.ArchiveBytes = info.Size()
	}

	j.p.telemetry.RecordBytes(string(storage.Download), j.result.ArchiveBytes)
	j.reporter.Report(stageTransfer.To, "Archive downloaded")

	return nil
}

func (j *job) transferProgress(verb string) transfer.ByteProgressFunc {
	return func(transferred, total int64) {
		fraction := 1.0
		if total > 0 {
			fraction = float64(transferred) / float64(total)
		}

		j.reporter.Report(stageTransfer.At(fraction), fmt.Sprintf("%s: %s of %s", verb, humanize.Bytes(uint64(transferred)), humanize.Bytes(uint64(total))))
	}
}

// extractLocal replaces dest with the archive contents.
func (j *job) extractLocal(ctx context.Context, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return &transfer.ExtractionError{Archive: j.localArchive, Err: fmt.Errorf("failed to clear %s: %w", dest, err)}
	}

	f, err := os.Open(j.localArchive)
	if err != nil {
		return &transfer.ExtractionError{Archive: j.localArchive, Err: err}
	}
	defer f.Close()

	stats, err := Extract(ctx, f, dest)
	if err != nil {
		return &transfer.ExtractionError{Archive: j.localArchive, Err: err}
	}

	j.result.Files = stats.Files

	return nil
}

// cleanup removes both archive copies independently. Failures become warnings.
func (j *job) cleanup(ctx context.Context) {
	if err := os.Remove(j.localArchive); err != nil && !os.IsNotExist(err) {
		j.warn(ctx, "local", &transfer.CleanupError{Path: j.localArchive, Err: err})
	}

	if j.ch == nil {
		return
	}

	if _, err := j.ch.Stat(ctx, j.remoteArchive); err != nil {
		if transfer.KindOf(err) != transfer.KindPath {
			j.warn(ctx, "remote", &transfer.CleanupError{Path: j.remoteArchive, Err: err})
		}

		return
	}

	if err := j.ch.Remove(ctx, j.remoteArchive); err != nil {
		j.warn(ctx, "remote", &transfer.CleanupError{Path: j.remoteArchive, Err: err})
	}
}

// finish runs the cleanup on every exit path and reports completion when the transfer succeeded.
func (j *job) finish(ctx context.Context, err *error) {
	j.cleanup(ctx)

	if *err == nil {
		j.reporter.Report(1, "Done")
	}
}

func (j *job) warn(ctx context.Context, location string, err error) {
	j.logger.WarnContext(ctx, "archive cleanup failed", "location", location, "err", err)
	j.p.telemetry.RecordCleanupWarning(location)
	j.result.Warnings = append(j.result.Warnings, err.Error())
}

func (j *job) close(ctx context.Context) {
	if j.ch == nil {
		return
	}

	if err := j.ch.Close(); err != nil {
		j.logger.DebugContext(ctx, "failed to close channel", "err", err)
	}
}
