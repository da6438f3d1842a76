package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"docharvest/internal/config"
	"docharvest/internal/model"
)

type fakeStore struct {
	runningJobs []*model.Job
	pendingJobs []*model.Job
	jobs        map[uuid.UUID]*model.Job

	failed     map[uuid.UUID]string
	cancelled  map[uuid.UUID]bool
	clearedPID []uuid.UUID
	requested  []uuid.UUID
	cancelFlag map[uuid.UUID]bool
	tails      map[uuid.UUID]string
	schedules  []*model.Schedule
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       make(map[uuid.UUID]*model.Job),
		failed:     make(map[uuid.UUID]string),
		cancelled:  make(map[uuid.UUID]bool),
		cancelFlag: make(map[uuid.UUID]bool),
		tails:      make(map[uuid.UUID]string),
	}
}

func (f *fakeStore) ListRunningJobs(ctx context.Context) ([]*model.Job, error) {
	return f.runningJobs, nil
}

func (f *fakeStore) ListPendingJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if len(f.pendingJobs) > limit {
		return f.pendingJobs[:limit], nil
	}
	return f.pendingJobs, nil
}

func (f *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.New("no such job")
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error) {
	f.failed[id] = msg
	return true, nil
}

func (f *fakeStore) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	f.cancelled[id] = true
	return true, nil
}

func (f *fakeStore) SetWorkerPID(ctx context.Context, id uuid.UUID, pid int) error {
	return nil
}

func (f *fakeStore) ClearWorkerPID(ctx context.Context, id uuid.UUID) error {
	f.clearedPID = append(f.clearedPID, id)
	return nil
}

func (f *fakeStore) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	f.requested = append(f.requested, id)
	return true, nil
}

func (f *fakeStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.cancelFlag[id], nil
}

func (f *fakeStore) SetStderrTail(ctx context.Context, id uuid.UUID, tail string) error {
	f.tails[id] = tail
	return nil
}

func (f *fakeStore) DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) EnsureSchedule(ctx context.Context, sc *model.Schedule) error {
	f.schedules = append(f.schedules, sc)
	return nil
}

type sigCall struct {
	pid int
	sig syscall.Signal
}

func testSupervisor(st supervisorStore, cfg *config.Config) (*Supervisor, *[]sigCall) {
	var sent []sigCall
	s := &Supervisor{
		cfg:     cfg,
		st:      st,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		alive:   func(int) bool { return false },
		signal:  func(pid int, sig syscall.Signal) error { sent = append(sent, sigCall{pid, sig}); return nil },
		running: make(map[uuid.UUID]*child),
	}
	return s, &sent
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Supervisor.MaxConcurrentJobs = 4
	cfg.Supervisor.PollIntervalMs = 2000
	cfg.Supervisor.GraceSeconds = 10
	cfg.Supervisor.JobTimeoutHours = 6
	return cfg
}

func runningJob(kind model.JobKind, status model.Status) *model.Job {
	return &model.Job{ID: uuid.New(), Kind: kind, Status: status}
}

func TestSweepOrphansMarksDeadWorkers(t *testing.T) {
	alivePID, deadPID := 100, 200
	aliveJob := runningJob(model.KindCrawl, model.StatusCrawling)
	aliveJob.WorkerPID = &alivePID
	deadJob := runningJob(model.KindCrawl, model.StatusUploading)
	deadJob.WorkerPID = &deadPID
	noPIDJob := runningJob(model.KindBulk, model.StatusPending)

	st := newFakeStore()
	st.runningJobs = []*model.Job{aliveJob, deadJob, noPIDJob}

	s, _ := testSupervisor(st, testConfig())
	s.alive = func(pid int) bool { return pid == alivePID }

	s.sweepOrphans(context.Background())

	if msg, ok := st.failed[deadJob.ID]; !ok || msg != "worker lost" {
		t.Errorf("dead worker's job should fail with \"worker lost\", got %q (present=%v)", msg, ok)
	}
	if _, ok := st.failed[aliveJob.ID]; ok {
		t.Error("job with a live worker must survive the sweep")
	}
	if _, ok := st.failed[noPIDJob.ID]; ok {
		t.Error("job without a recorded pid must survive the sweep")
	}
}

func TestSettleLeavesTerminalJobAlone(t *testing.T) {
	job := runningJob(model.KindCrawl, model.StatusCompleted)
	st := newFakeStore()
	st.jobs[job.ID] = job

	s, _ := testSupervisor(st, testConfig())
	c := &child{job: job, stderr: newRingBuffer(64)}
	s.running[job.ID] = c

	s.settle(context.Background(), c, nil)

	if len(st.clearedPID) != 1 || st.clearedPID[0] != job.ID {
		t.Errorf("terminal job should only get its pid cleared, got %v", st.clearedPID)
	}
	if len(st.failed) != 0 || len(st.cancelled) != 0 {
		t.Error("terminal job must not be re-transitioned")
	}
	if _, still := s.running[job.ID]; still {
		t.Error("settled child must leave the running set")
	}
}

func TestSettleCancelRequestedBecomesCancelled(t *testing.T) {
	job := runningJob(model.KindCrawl, model.StatusUploading)
	job.CancelRequested = true
	st := newFakeStore()
	st.jobs[job.ID] = job

	s, _ := testSupervisor(st, testConfig())
	c := &child{job: job, stderr: newRingBuffer(64)}

	s.settle(context.Background(), c, errors.New("signal: terminated"))

	if !st.cancelled[job.ID] {
		t.Error("cancel-requested worker exit must settle as cancelled")
	}
	if _, ok := st.failed[job.ID]; ok {
		t.Error("cancelled job must not also be marked failed")
	}
}

func TestSettleCrashRecordsStderrAndFails(t *testing.T) {
	job := runningJob(model.KindCrawl, model.StatusCrawling)
	st := newFakeStore()
	st.jobs[job.ID] = job

	s, _ := testSupervisor(st, testConfig())
	c := &child{job: job, stderr: newRingBuffer(64)}
	c.stderr.Write([]byte("panic: boom"))

	s.settle(context.Background(), c, errors.New("exit status 2"))

	if msg := st.failed[job.ID]; msg != "worker exited: exit status 2" {
		t.Errorf("failure message = %q", msg)
	}
	if st.tails[job.ID] != "panic: boom" {
		t.Errorf("stderr tail = %q, want the captured output", st.tails[job.ID])
	}
}

func TestSettleCleanExitWithoutTerminalStateFails(t *testing.T) {
	job := runningJob(model.KindBulk, model.StatusClassifying)
	st := newFakeStore()
	st.jobs[job.ID] = job

	s, _ := testSupervisor(st, testConfig())
	c := &child{job: job, stderr: newRingBuffer(64)}

	s.settle(context.Background(), c, nil)

	if msg := st.failed[job.ID]; msg != "worker exited unexpectedly" {
		t.Errorf("failure message = %q", msg)
	}
}

func TestSettleSchedulesWeeklyRecrawl(t *testing.T) {
	job := runningJob(model.KindCrawl, model.StatusCompleted)
	job.ManufacturerName = "Acme"
	job.Source = "https://www.acme.test/"
	job.SharePointFolder = "Docs/Acme"
	job.WeeklyRecrawl = true
	st := newFakeStore()
	st.jobs[job.ID] = job

	s, _ := testSupervisor(st, testConfig())
	c := &child{job: job, stderr: newRingBuffer(64)}

	s.settle(context.Background(), c, nil)

	if len(st.schedules) != 1 {
		t.Fatalf("expected one recrawl schedule, got %d", len(st.schedules))
	}
	sc := st.schedules[0]
	if sc.Domain != "www.acme.test" {
		t.Errorf("schedule domain = %q", sc.Domain)
	}
	if sc.Cron != "0 0 * * 0" {
		t.Errorf("schedule cron = %q, want Sunday midnight", sc.Cron)
	}
	if sc.NextRun == nil || !sc.NextRun.After(time.Now().UTC().Add(-time.Minute)) {
		t.Error("schedule must carry a future next_run")
	}
}

func TestSettleNoScheduleWithoutRecrawlFlag(t *testing.T) {
	job := runningJob(model.KindCrawl, model.StatusCompleted)
	st := newFakeStore()
	st.jobs[job.ID] = job

	s, _ := testSupervisor(st, testConfig())
	s.settle(context.Background(), &child{job: job, stderr: newRingBuffer(64)}, nil)

	if len(st.schedules) != 0 {
		t.Errorf("no recrawl schedule expected, got %d", len(st.schedules))
	}
}

func TestWatchEscalatesTermThenKill(t *testing.T) {
	job := runningJob(model.KindCrawl, model.StatusCrawling)
	st := newFakeStore()
	st.jobs[job.ID] = job
	st.cancelFlag[job.ID] = true

	s, sent := testSupervisor(st, testConfig())
	c := &child{job: job, pid: 4242, stderr: newRingBuffer(64), startedAt: time.Now()}
	s.running[job.ID] = c

	s.watch(context.Background())

	if len(*sent) != 1 || (*sent)[0] != (sigCall{4242, syscall.SIGTERM}) {
		t.Fatalf("expected one SIGTERM to pid 4242, got %v", *sent)
	}
	if c.signaledAt.IsZero() {
		t.Fatal("signal time must be recorded for grace tracking")
	}

	// Still running past the grace period: escalate.
	c.signaledAt = time.Now().Add(-time.Duration(s.cfg.Supervisor.GraceSeconds+1) * time.Second)
	s.watch(context.Background())

	if len(*sent) != 2 || (*sent)[1] != (sigCall{4242, syscall.SIGKILL}) {
		t.Fatalf("expected SIGKILL after grace expiry, got %v", *sent)
	}
}

func TestWatchWallClockRequestsCancel(t *testing.T) {
	job := runningJob(model.KindCrawl, model.StatusCrawling)
	st := newFakeStore()
	st.jobs[job.ID] = job

	s, sent := testSupervisor(st, testConfig())
	c := &child{
		job:       job,
		pid:       4243,
		stderr:    newRingBuffer(64),
		startedAt: time.Now().Add(-time.Duration(s.cfg.Supervisor.JobTimeoutHours+1) * time.Hour),
	}
	s.running[job.ID] = c

	s.watch(context.Background())

	if len(st.requested) != 1 || st.requested[0] != job.ID {
		t.Errorf("wall clock expiry must request a cancel, got %v", st.requested)
	}
	if len(*sent) != 0 {
		t.Errorf("wall clock expiry alone must not signal, got %v", *sent)
	}
}
