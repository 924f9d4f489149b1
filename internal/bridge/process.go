package bridge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// stderrTail is how much trailing stderr is kept for error reports.
const stderrTail = 4 * 1024

// outputLine is one stdout line. cut is set when the line was longer than
// the reader's cap and its remainder was discarded.
type outputLine struct {
	data []byte
	cut  bool
}

// process is one running tool subprocess in its own process group.
// Stdout lines arrive on lines, which is closed at EOF; the exit status
// arrives on exited.
type process struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *tailBuffer
	lines  chan outputLine
	exited chan error
	pgid   int
}

// startProcess spawns argv. Stdout lines longer than maxLine bytes are cut.
func startProcess(argv []string, workDir string, waitDelay time.Duration, maxLine int) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Stdout = w
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	// The child holds its own copy of the write end.
	_ = w.Close()

	p := &process{
		cmd:    cmd,
		stdout: r,
		stderr: tail,
		lines:  make(chan outputLine, 64),
		exited: make(chan error, 1),
		pgid:   cmd.Process.Pid,
	}
	go p.readOutput(maxLine)
	go func() { p.exited <- cmd.Wait() }()
	return p, nil
}

// readOutput splits stdout into lines. A line longer than maxLine is cut at
// the cap and flagged so the collector reports the loss.
func (p *process) readOutput(maxLine int) {
	defer close(p.lines)
	br := bufio.NewReaderSize(p.stdout, 64*1024)
	var (
		line []byte
		cut  bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		room := maxLine - len(line)
		if len(chunk) > room {
			chunk = chunk[:max(room, 0)]
			cut = true
		}
		line = append(line, chunk...)
		if err != nil {
			if len(line) > 0 || cut {
				p.lines <- outputLine{data: line, cut: cut}
			}
			return
		}
		if !isPrefix {
			p.lines <- outputLine{data: line, cut: cut}
			line, cut = nil, false
		}
	}
}

// signal sends sig to the whole process group.
func (p *process) signal(sig unix.Signal) {
	_ = unix.Kill(-p.pgid, sig)
}

// closeOutput unblocks the reader when a descendant still holds stdout
// after the tool itself has exited.
func (p *process) closeOutput() {
	_ = p.stdout.Close()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var _ io.Writer = (*tailBuffer)(nil)

// stopper escalates termination of a process group: SIGTERM first, then
// SIGKILL once the grace period elapses.
type stopper struct {
	p       *process
	grace   time.Duration
	started bool
	kill    *time.Timer
}

func (s *stopper) begin() {
	if s.started {
		return
	}
	s.started = true
	s.p.signal(unix.SIGTERM)
	s.kill = time.NewTimer(s.grace)
}

func (s *stopper) killC() <-chan time.Time {
	if s.kill == nil {
		return nil
	}
	return s.kill.C
}

func (s *stopper) forceKill() {
	s.p.signal(unix.SIGKILL)
	s.kill = nil
}

func (s *stopper) stop() {
	if s.kill != nil {
		s.kill.Stop()
	}
}
