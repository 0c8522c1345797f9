package launcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	logx "deckhand/pkg/logx"
)

// ProcConfig configures the process-based launcher.
type ProcConfig struct {
	// Command is the worker argv. The run payload is written to the worker's
	// stdin as a single JSON document.
	Command []string
	WorkDir string

	// RunDir holds one <runID>.pid file per live worker. It is how workers
	// are found again after a daemon restart.
	RunDir string

	// WatchdogWindow: any output line counts as a heartbeat. A worker silent
	// for longer than the window is killed and reported as finished with a
	// timeout reason. 0 disables the watchdog.
	WatchdogWindow time.Duration

	// StopGrace is the SIGTERM -> SIGKILL escalation delay for RequestCancel.
	StopGrace time.Duration

	// MaxWorkers rejects launches (resources) beyond this many live workers.
	// 0 means unlimited.
	MaxWorkers int
}

func (c ProcConfig) withDefaults() ProcConfig {
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if strings.TrimSpace(c.RunDir) == "" {
		c.RunDir = "./run"
	}
	return c
}

// Proc launches each run as a child process.
type Proc struct {
	cfg ProcConfig
	log logx.Logger

	mu     sync.Mutex
	procs  map[string]*workerProc
	closed bool

	events chan Event
}

type workerProc struct {
	runID string
	cmd   *exec.Cmd
	pid   int

	mu       sync.Mutex
	watchdog *time.Timer
	timedOut bool
	killer   *time.Timer
}

func NewProc(cfg ProcConfig, log logx.Logger) (*Proc, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Command) == 0 {
		return nil, errors.New("launcher command is required")
	}
	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Proc{
		cfg:    cfg,
		log:    log,
		procs:  map[string]*workerProc{},
		events: make(chan Event, 256),
	}, nil
}

func (p *Proc) Events() <-chan Event { return p.events }

func (p *Proc) Launch(ctx context.Context, pl Payload) (Handle, error) {
	if err := pl.validate(); err != nil {
		return Handle{}, invalid(err)
	}
	blob, err := json.Marshal(pl)
	if err != nil {
		return Handle{}, invalid(fmt.Errorf("encode payload: %w", err))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, resources(errors.New("launcher closed"))
	}
	if _, dup := p.procs[pl.RunID]; dup {
		p.mu.Unlock()
		return Handle{}, invalid(fmt.Errorf("run %s already launched", pl.RunID))
	}
	if p.cfg.MaxWorkers > 0 && len(p.procs) >= p.cfg.MaxWorkers {
		n := len(p.procs)
		p.mu.Unlock()
		return Handle{}, resources(fmt.Errorf("%d workers already live", n))
	}
	p.mu.Unlock()

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"DECKHAND_RUN_ID="+pl.RunID,
		"DECKHAND_CARD="+pl.CardPath,
		"DECKHAND_FLOW="+pl.Flow,
		"DECKHAND_BRANCH="+pl.Branch,
	)
	cmd.Stdin = bytes.NewReader(blob)
	// Own process group so cancel signals reach worker children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Handle{}, resources(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Handle{}, resources(err)
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, resources(fmt.Errorf("start worker: %w", err))
	}

	wp := &workerProc{runID: pl.RunID, cmd: cmd, pid: cmd.Process.Pid}
	if p.cfg.WatchdogWindow > 0 {
		wp.watchdog = time.AfterFunc(p.cfg.WatchdogWindow, func() { p.watchdogFired(wp) })
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		wp.stopTimers()
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return Handle{}, resources(errors.New("launcher closed"))
	}
	p.procs[pl.RunID] = wp
	p.mu.Unlock()

	if err := p.writePidFile(pl.RunID, wp.pid); err != nil {
		p.log.Warn("pidfile write failed", logx.String("run", pl.RunID), logx.Err(err))
	}

	var scanWG sync.WaitGroup
	scanWG.Add(2)
	go func() { defer scanWG.Done(); p.scanOutput(wp, stdout) }()
	go func() { defer scanWG.Done(); p.scanOutput(wp, stderr) }()
	go p.waitLoop(wp, &scanWG)

	p.log.Debug("worker launched",
		logx.String("run", pl.RunID),
		logx.String("card", pl.CardPath),
		logx.String("flow", pl.Flow),
		logx.Int("pid", wp.pid),
	)
	return Handle{RunID: pl.RunID, PID: wp.pid, StartedAt: time.Now()}, nil
}

func (p *Proc) scanOutput(wp *workerProc, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		wp.petWatchdog(p.cfg.WatchdogWindow)
		chunk := make([]byte, len(line))
		copy(chunk, line)
		p.emit(Event{RunID: wp.runID, Type: EventLog, At: time.Now(), Chunk: chunk})
		p.emit(Event{RunID: wp.runID, Type: EventHeartbeat, At: time.Now()})
	}
}

func (p *Proc) waitLoop(wp *workerProc, scanWG *sync.WaitGroup) {
	err := wp.cmd.Wait()
	// Pipes are closed by Wait; let the scanners flush first.
	scanWG.Wait()
	wp.stopTimers()

	exit := 0
	reason := ""
	if err != nil {
		exit = -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit = ee.ExitCode()
		}
		reason = err.Error()
	}
	wp.mu.Lock()
	if wp.timedOut {
		reason = ReasonWatchdogTimeout
	}
	wp.mu.Unlock()

	p.mu.Lock()
	delete(p.procs, wp.runID)
	p.mu.Unlock()
	p.removePidFile(wp.runID)

	p.emit(Event{RunID: wp.runID, Type: EventFinished, At: time.Now(), ExitCode: exit, Reason: reason})
}

func (p *Proc) watchdogFired(wp *workerProc) {
	wp.mu.Lock()
	wp.timedOut = true
	wp.mu.Unlock()
	p.log.Warn("worker watchdog fired", logx.String("run", wp.runID), logx.Int("pid", wp.pid))
	// Kill the whole process group; waitLoop reports the finish.
	_ = syscall.Kill(-wp.pid, syscall.SIGKILL)
}

func (wp *workerProc) petWatchdog(window time.Duration) {
	if window <= 0 {
		return
	}
	wp.mu.Lock()
	if wp.watchdog != nil && !wp.timedOut {
		wp.watchdog.Reset(window)
	}
	wp.mu.Unlock()
}

func (wp *workerProc) stopTimers() {
	wp.mu.Lock()
	if wp.watchdog != nil {
		wp.watchdog.Stop()
	}
	if wp.killer != nil {
		wp.killer.Stop()
	}
	wp.mu.Unlock()
}

func (p *Proc) RequestCancel(runID string) error {
	p.mu.Lock()
	wp := p.procs[runID]
	p.mu.Unlock()
	if wp == nil {
		return fmt.Errorf("no live worker for run %s", runID)
	}

	if err := syscall.Kill(-wp.pid, syscall.SIGTERM); err != nil {
		return err
	}
	grace := p.cfg.StopGrace
	wp.mu.Lock()
	if wp.killer == nil {
		wp.killer = time.AfterFunc(grace, func() {
			_ = syscall.Kill(-wp.pid, syscall.SIGKILL)
		})
	}
	wp.mu.Unlock()
	return nil
}

// ListLiveWorkers scans the pidfile directory and keeps only entries whose
// process still answers signal 0. Stale pidfiles are removed as a side effect.
func (p *Proc) ListLiveWorkers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.cfg.RunDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var live []string
	for _, ent := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		runID := strings.TrimSuffix(name, ".pid")
		path := filepath.Join(p.cfg.RunDir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil || pid <= 0 {
			_ = os.Remove(path)
			continue
		}
		if syscall.Kill(pid, 0) != nil {
			_ = os.Remove(path)
			continue
		}
		live = append(live, runID)
	}
	return live, nil
}

func (p *Proc) emit(e Event) {
	// Blocking send: the scheduler owns the drain loop and finished events
	// must not be lost.
	p.events <- e
}

func (p *Proc) writePidFile(runID string, pid int) error {
	path := filepath.Join(p.cfg.RunDir, runID+".pid")
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (p *Proc) removePidFile(runID string) {
	_ = os.Remove(filepath.Join(p.cfg.RunDir, runID+".pid"))
}

// Close stops accepting launches. Live workers are deliberately left running:
// they are detached into their own process groups and their pidfiles let the
// next daemon instance adopt them during recovery.
func (p *Proc) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
