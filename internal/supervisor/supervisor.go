package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"docharvest/internal/config"
	"docharvest/internal/metrics"
	"docharvest/internal/model"
	"docharvest/internal/scheduler"
	"docharvest/internal/store"
)

// stderrTailBytes bounds how much worker stderr is kept per job.
const stderrTailBytes = 8192

// supervisorStore is the slice of the store the supervisor needs.
type supervisorStore interface {
	ListRunningJobs(ctx context.Context) ([]*model.Job, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	SetWorkerPID(ctx context.Context, id uuid.UUID, pid int) error
	ClearWorkerPID(ctx context.Context, id uuid.UUID) error
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	SetStderrTail(ctx context.Context, id uuid.UUID, tail string) error
	DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error)
	EnsureSchedule(ctx context.Context, sc *model.Schedule) error
}

var _ supervisorStore = (*store.Store)(nil)

// child tracks one spawned worker process until it is reaped.
type child struct {
	job        *model.Job
	cmd        *exec.Cmd
	pid        int
	stderr     *ringBuffer
	startedAt  time.Time
	signaledAt time.Time
}

// Supervisor owns the fleet of worker processes. It admits pending
// jobs up to the global cap, spawns each as an isolated OS process in
// its own process group, watches for cancellation, reaps exits and
// writes the terminal states the children must not write themselves.
type Supervisor struct {
	cfg     *config.Config
	st      supervisorStore
	logger  *slog.Logger
	exe     string
	cfgPath string

	// alive and signal wrap the pid syscalls so the decision paths can
	// run without real processes.
	alive  func(pid int) bool
	signal func(pid int, sig syscall.Signal) error

	mu      sync.Mutex
	running map[uuid.UUID]*child
	wg      sync.WaitGroup
}

// New builds a Supervisor. exe is the path of this binary, re-executed
// with -role job for each admitted job; cfgPath is forwarded so the
// child loads the same configuration.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, exe, cfgPath string) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		st:      st,
		logger:  logger,
		exe:     exe,
		cfgPath: cfgPath,
		alive:   pidAlive,
		signal:  signalGroup,
		running: make(map[uuid.UUID]*child),
	}
}

// Start runs the supervision loop until ctx is cancelled. On shutdown
// every surviving worker group gets a SIGTERM; their jobs stay in the
// store and the next supervisor's orphan sweep settles them.
func (s *Supervisor) Start(ctx context.Context) {
	s.sweepOrphans(ctx)

	poll := time.Duration(s.cfg.Supervisor.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var retentionTicker *time.Ticker
	var retentionC <-chan time.Time
	if s.cfg.Retention.Enabled && s.cfg.Retention.CleanupIntervalMinutes > 0 {
		retentionTicker = time.NewTicker(time.Duration(s.cfg.Retention.CleanupIntervalMinutes) * time.Minute)
		retentionC = retentionTicker.C
		defer retentionTicker.Stop()
	}

	s.logger.Info("supervisor started",
		"max_concurrent_jobs", s.cfg.Supervisor.MaxConcurrentJobs,
		"grace_seconds", s.cfg.Supervisor.GraceSeconds)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.admit(ctx)
			s.watch(ctx)
		case <-retentionC:
			s.cleanupExpired(ctx)
		}
	}
}

// sweepOrphans settles jobs left behind by a previous supervisor: a
// non-terminal job whose recorded pid is gone has no process to finish
// it.
func (s *Supervisor) sweepOrphans(ctx context.Context) {
	jobs, err := s.st.ListRunningJobs(ctx)
	if err != nil {
		s.logger.Error("orphan sweep query failed", "error", err)
		return
	}
	for _, j := range jobs {
		if j.WorkerPID == nil || s.alive(*j.WorkerPID) {
			continue
		}
		if ok, err := s.st.MarkFailed(ctx, j.ID, "worker lost"); err != nil {
			s.logger.Error("orphan sweep update failed", "job_id", j.ID, "error", err)
		} else if ok {
			s.logger.Warn("orphaned job marked failed", "job_id", j.ID, "pid", *j.WorkerPID)
		}
	}
}

// admit spawns workers for the oldest pending jobs, up to the cap.
func (s *Supervisor) admit(ctx context.Context) {
	s.mu.Lock()
	capacity := s.cfg.Supervisor.MaxConcurrentJobs - len(s.running)
	s.mu.Unlock()
	if capacity <= 0 {
		return
	}

	jobs, err := s.st.ListPendingJobs(ctx, capacity)
	if err != nil {
		s.logger.Error("pending poll failed", "error", err)
		return
	}

	for _, job := range jobs {
		s.mu.Lock()
		_, already := s.running[job.ID]
		s.mu.Unlock()
		if already {
			// Spawned on a previous tick; the child has not moved it
			// out of pending yet.
			continue
		}
		s.spawn(ctx, job)
	}
}

func (s *Supervisor) spawn(ctx context.Context, job *model.Job) {
	cmd := exec.Command(s.exe, "-config", s.cfgPath, "-role", "job", "-job-id", job.ID.String())
	rb := newRingBuffer(stderrTailBytes)
	cmd.Stdout = os.Stdout
	cmd.Stderr = rb
	// Own process group so cancellation signals reach the worker and
	// everything it spawns (browser helpers included).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.logger.Error("worker spawn failed", "job_id", job.ID, "error", err)
		if _, err := s.st.MarkFailed(ctx, job.ID, fmt.Sprintf("worker spawn failed: %v", err)); err != nil {
			s.logger.Error("failed to record spawn failure", "job_id", job.ID, "error", err)
		}
		return
	}

	pid := cmd.Process.Pid
	if err := s.st.SetWorkerPID(ctx, job.ID, pid); err != nil {
		s.logger.Error("failed to record worker pid", "job_id", job.ID, "pid", pid, "error", err)
	}
	metrics.RecordJobStarted(string(job.Kind))
	s.logger.Info("worker started", "job_id", job.ID, "kind", job.Kind, "pid", pid)

	c := &child{job: job, cmd: cmd, pid: pid, stderr: rb, startedAt: time.Now()}
	s.mu.Lock()
	s.running[job.ID] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reap(c)
}

// watch escalates cancellation on running jobs: SIGTERM on
// cancel_requested, SIGKILL once the grace period passes, and a soft
// wall-clock limit that turns into a cancel request.
func (s *Supervisor) watch(ctx context.Context) {
	grace := time.Duration(s.cfg.Supervisor.GraceSeconds) * time.Second
	wallClock := time.Duration(s.cfg.Supervisor.JobTimeoutHours) * time.Hour

	s.mu.Lock()
	children := make([]*child, 0, len(s.running))
	for _, c := range s.running {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		if c.signaledAt.IsZero() && time.Since(c.startedAt) > wallClock {
			s.logger.Warn("job exceeded wall clock, requesting cancel",
				"job_id", c.job.ID, "running_for", time.Since(c.startedAt))
			if _, err := s.st.RequestCancel(ctx, c.job.ID); err != nil {
				s.logger.Error("wall clock cancel failed", "job_id", c.job.ID, "error", err)
			}
		}

		if !c.signaledAt.IsZero() {
			if time.Since(c.signaledAt) > grace {
				s.logger.Warn("grace period expired, killing worker group",
					"job_id", c.job.ID, "pid", c.pid)
				_ = s.signal(c.pid, syscall.SIGKILL)
			}
			continue
		}

		cancelled, err := s.st.IsCancelRequested(ctx, c.job.ID)
		if err != nil {
			s.logger.Error("cancel poll failed", "job_id", c.job.ID, "error", err)
			continue
		}
		if cancelled {
			s.logger.Info("cancel requested, terminating worker group",
				"job_id", c.job.ID, "pid", c.pid)
			_ = s.signal(c.pid, syscall.SIGTERM)
			c.signaledAt = time.Now()
		}
	}
}

// reap waits for a worker to exit, then settles its job row.
func (s *Supervisor) reap(c *child) {
	defer s.wg.Done()
	waitErr := c.cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.settle(ctx, c, waitErr)
}

// settle writes the outcome of an exited worker. Terminal status for
// cancelled and crashed workers is owned here; a healthy worker writes
// completed itself before exiting.
func (s *Supervisor) settle(ctx context.Context, c *child, waitErr error) {
	s.mu.Lock()
	delete(s.running, c.job.ID)
	s.mu.Unlock()

	job, err := s.st.GetJob(ctx, c.job.ID)
	if err != nil {
		s.logger.Error("reap could not load job", "job_id", c.job.ID, "error", err)
		return
	}

	switch {
	case job.Status.Terminal():
		// Worker finished its own bookkeeping.
		if err := s.st.ClearWorkerPID(ctx, job.ID); err != nil {
			s.logger.Error("clear pid failed", "job_id", job.ID, "error", err)
		}
	case job.CancelRequested:
		if _, err := s.st.MarkCancelled(ctx, job.ID); err != nil {
			s.logger.Error("cancel transition failed", "job_id", job.ID, "error", err)
		}
		job.Status = model.StatusCancelled
		s.logger.Info("job cancelled", "job_id", job.ID)
	case waitErr != nil:
		tail := c.stderr.String()
		if tail != "" {
			if err := s.st.SetStderrTail(ctx, job.ID, tail); err != nil {
				s.logger.Error("stderr tail write failed", "job_id", job.ID, "error", err)
			}
		}
		if _, err := s.st.MarkFailed(ctx, job.ID, fmt.Sprintf("worker exited: %v", waitErr)); err != nil {
			s.logger.Error("failure transition failed", "job_id", job.ID, "error", err)
		}
		job.Status = model.StatusFailed
		s.logger.Warn("worker failed", "job_id", job.ID, "error", waitErr)
	default:
		// Exit 0 without reaching a terminal state.
		if _, err := s.st.MarkFailed(ctx, job.ID, "worker exited unexpectedly"); err != nil {
			s.logger.Error("failure transition failed", "job_id", job.ID, "error", err)
		}
		job.Status = model.StatusFailed
		s.logger.Warn("worker exited without finishing", "job_id", job.ID)
	}

	metrics.RecordJobFinished(string(job.Kind), string(job.Status))

	if job.Status == model.StatusCompleted && job.Kind == model.KindCrawl && job.WeeklyRecrawl {
		s.ensureRecrawlSchedule(ctx, job)
	}
}

// ensureRecrawlSchedule registers the completed job's template for the
// weekly recrawl.
func (s *Supervisor) ensureRecrawlSchedule(ctx context.Context, job *model.Job) {
	domain := job.Source
	if u, err := url.Parse(job.Source); err == nil && u.Host != "" {
		domain = u.Host
	}

	next := scheduler.NextRun("0 0 * * 0", time.Now().UTC())
	sc := &model.Schedule{
		ManufacturerName: job.ManufacturerName,
		Domain:           domain,
		ProductLines:     job.ProductLines,
		SharePointFolder: job.SharePointFolder,
		Cron:             "0 0 * * 0",
		NextRun:          &next,
	}
	if err := s.st.EnsureSchedule(ctx, sc); err != nil {
		s.logger.Error("recrawl schedule upsert failed", "job_id", job.ID, "error", err)
		return
	}
	s.logger.Info("weekly recrawl scheduled", "job_id", job.ID, "domain", domain, "next_run", next)
}

func (s *Supervisor) cleanupExpired(ctx context.Context) {
	if s.cfg.Retention.JobDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.Retention.JobDays)
	n, err := s.st.DeleteExpiredJobs(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention cleanup failed", "error", err)
		return
	}
	if n > 0 {
		metrics.RecordRetentionJobs(n)
		s.logger.Info("expired jobs deleted", "count", n, "cutoff", cutoff)
	}
}

// shutdown signals every worker group and waits for the reapers.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	for _, c := range s.running {
		_ = s.signal(c.pid, syscall.SIGTERM)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// signalGroup delivers sig to the worker's whole process group.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
