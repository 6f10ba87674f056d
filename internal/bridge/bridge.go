// Package bridge supervises the external worker processes that feed the
// shared sound state. Each worker runs under a pseudo-terminal so it behaves
// as if a person were at the keyboard; the supervisor reads its frames,
// extracts sound deltas, and reports health upward. It never ends sessions
// itself.
package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/pulsemesh/gamecast/internal/slots"
	"github.com/pulsemesh/gamecast/internal/state"
)

var (
	ErrSlotBusy = errors.New("slot already has a bridge")
	ErrNoBridge = errors.New("no bridge on slot")
	ErrNoWorker = errors.New("no worker command for category")
)

type HealthKind string

const (
	HealthUnresponsive HealthKind = "unresponsive"
	HealthFailed       HealthKind = "failed"
)

// HealthEvent is the supervisor's report to the session lifecycle manager.
type HealthEvent struct {
	Slot int
	Kind HealthKind
	Err  error
}

type Config struct {
	Timeout     time.Duration
	MaxRestarts int
}

// Sinks are the supervisor's outbound hooks, wired once at startup.
type Sinks struct {
	// OnFrame receives each parsed frame payload with its owning slot.
	OnFrame func(slot int, payload string)
	// OnEvent receives sound-event names (collision, spawn, death).
	OnEvent func(slot int, name string)
}

type Supervisor struct {
	cfg   Config
	store *state.Store
	pool  *slots.Pool
	sinks Sinks
	log   *zap.Logger

	mu       sync.Mutex
	bridges  map[int]*Bridge
	commands map[string][]string
	health   chan HealthEvent
}

// Bridge is one supervised worker process bound to a slot.
type Bridge struct {
	kind      string
	slot      int
	cmd       *exec.Cmd
	tty       *ptyFile
	parser    FrameParser
	spawnedAt time.Time
	lastSeen  atomic.Int64 // unix nanos of last output
	restarts  int
	stopping  atomic.Bool
}

func NewSupervisor(cfg Config, store *state.Store, pool *slots.Pool, sinks Sinks, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		pool:     pool,
		sinks:    sinks,
		log:      log,
		bridges:  make(map[int]*Bridge),
		commands: make(map[string][]string),
		health:   make(chan HealthEvent, 64),
	}
}

// RegisterWorker maps a category to the command line that launches its
// worker. Categories without a registration launch a binary named after the
// category, which is how the engine directories are laid out.
func (s *Supervisor) RegisterWorker(kind string, argv []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[kind] = argv
}

// Health exposes the event stream the session manager consumes.
func (s *Supervisor) Health() <-chan HealthEvent { return s.health }

// Spawn starts a worker of the given category on a slot the caller already
// owns. The bridge's deltas merge into the voice matching the slot index.
func (s *Supervisor) Spawn(kind string, slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.bridges[slot]; busy {
		return fmt.Errorf("%w: %d", ErrSlotBusy, slot)
	}
	return s.spawnLocked(kind, slot, 0)
}

func (s *Supervisor) spawnLocked(kind string, slot, restarts int) error {
	argv := s.commands[kind]
	if argv == nil {
		argv = []string{kind}
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: %q", ErrNoWorker, kind)
	}

	tty, cmd, err := startPty(argv[0], argv[1:]...)
	if err != nil {
		return fmt.Errorf("spawn %s on slot %d: %w", kind, slot, err)
	}

	b := &Bridge{
		kind:      kind,
		slot:      slot,
		cmd:       cmd,
		tty:       tty,
		parser:    ParserFor(kind),
		spawnedAt: time.Now(),
		restarts:  restarts,
	}
	b.lastSeen.Store(time.Now().UnixNano())
	s.bridges[slot] = b

	go s.readLoop(b)
	go s.watchdog(b)

	s.log.Info("bridge spawned",
		zap.String("kind", kind), zap.Int("slot", slot),
		zap.Int("pid", cmd.Process.Pid), zap.Int("restarts", restarts))
	return nil
}

// Input relays raw keypress bytes to the worker's terminal.
func (s *Supervisor) Input(slot int, data []byte) error {
	s.mu.Lock()
	b := s.bridges[slot]
	s.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: %d", ErrNoBridge, slot)
	}
	_, err := b.tty.Write(data)
	return err
}

// Stop terminates the worker on a slot and returns the slot to the pool.
// Stopping an empty slot is a no-op.
func (s *Supervisor) Stop(slot int) {
	s.mu.Lock()
	b := s.bridges[slot]
	delete(s.bridges, slot)
	s.mu.Unlock()

	if b != nil {
		b.stopping.Store(true)
		b.kill()
	}
	s.pool.Release([]int{slot})
}

// StopAll terminates every worker. Called on server shutdown so no child
// process outlives us.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	all := make([]*Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		all = append(all, b)
	}
	s.bridges = make(map[int]*Bridge)
	s.mu.Unlock()

	for _, b := range all {
		b.stopping.Store(true)
		b.kill()
		s.pool.Release([]int{b.slot})
	}
}

func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

func (s *Supervisor) readLoop(b *Bridge) {
	scanner := bufio.NewScanner(b.tty)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.lastSeen.Store(time.Now().UnixNano())
		line := strings.TrimRight(scanner.Text(), "\r")

		frame, done := b.parser.Line(line)
		if !done {
			continue
		}
		if frame.HasPatch {
			s.store.Merge(state.Partial{Voices: map[int]state.VoicePatch{b.slot: frame.Patch}})
		}
		for _, ev := range frame.Events {
			if s.sinks.OnEvent != nil {
				s.sinks.OnEvent(b.slot, ev)
			}
		}
		if s.sinks.OnFrame != nil {
			s.sinks.OnFrame(b.slot, frame.Payload)
		}
	}
	s.exited(b)
}

// exited handles a worker whose output stream ended: either we stopped it, or
// it died and gets a bounded number of respawns.
func (s *Supervisor) exited(b *Bridge) {
	_ = b.cmd.Wait()
	if b.stopping.Load() {
		return
	}

	s.mu.Lock()
	if s.bridges[b.slot] != b {
		s.mu.Unlock()
		return
	}
	delete(s.bridges, b.slot)

	if b.restarts >= s.cfg.MaxRestarts {
		s.mu.Unlock()
		s.log.Error("bridge failed permanently",
			zap.String("kind", b.kind), zap.Int("slot", b.slot), zap.Int("restarts", b.restarts))
		s.report(HealthEvent{Slot: b.slot, Kind: HealthFailed,
			Err: fmt.Errorf("worker %s exited %d times", b.kind, b.restarts+1)})
		return
	}

	err := s.spawnLocked(b.kind, b.slot, b.restarts+1)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("bridge respawn failed", zap.Int("slot", b.slot), zap.Error(err))
		s.report(HealthEvent{Slot: b.slot, Kind: HealthFailed, Err: err})
	}
}

// watchdog flags output-inactivity. Detection only: eviction is the session
// manager's call.
func (s *Supervisor) watchdog(b *Bridge) {
	interval := s.cfg.Timeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		if b.stopping.Load() {
			return
		}
		s.mu.Lock()
		alive := s.bridges[b.slot] == b
		s.mu.Unlock()
		if !alive {
			return
		}
		idle := time.Since(time.Unix(0, b.lastSeen.Load()))
		if idle > s.cfg.Timeout {
			s.log.Warn("bridge unresponsive",
				zap.Int("slot", b.slot), zap.Duration("idle", idle))
			s.report(HealthEvent{Slot: b.slot, Kind: HealthUnresponsive,
				Err: fmt.Errorf("no output for %s", idle.Round(time.Millisecond))})
		}
	}
}

func (s *Supervisor) report(ev HealthEvent) {
	select {
	case s.health <- ev:
	default:
		// Manager is behind; the next watchdog pass will report again.
	}
}

func (b *Bridge) kill() {
	if b.cmd.Process != nil {
		// Negative pid: the whole process group set up at spawn.
		_ = syscall.Kill(-b.cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = b.tty.Close()
}

// ptyFile wraps the controller side of the worker's pseudo-terminal.
type ptyFile struct {
	file *os.File
}

func (p *ptyFile) Read(data []byte) (int, error)  { return p.file.Read(data) }
func (p *ptyFile) Write(data []byte) (int, error) { return p.file.Write(data) }
func (p *ptyFile) Close() error                   { return p.file.Close() }

func (p *ptyFile) Resize(cols, rows uint16) error {
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

func startPty(command string, args ...string) (*ptyFile, *exec.Cmd, error) {
	cmd := exec.Command(command, args...)
	// pty.Start sets Setsid, which already places the child in its own new
	// process group; adding Setpgid makes setpgid run after setsid in the
	// forked child and fail with EPERM, so every spawn would error out.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return &ptyFile{file: ptmx}, cmd, nil
}
