// Package remoteshell implements the optional remote-shell bridge add-on
// named in spec §2 and expanded in SPEC_FULL.md §4: a websocket-tunneled
// PTY bridge the scheduler activates on demand, grounded on the real
// Mender client's gorilla/websocket-backed mender-connect dependency (per
// the mendersoftware-mender manifest) for the transport half, and
// golang.org/x/term for local terminal handling.
package remoteshell

import (
	"io"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/raycarroll/mcu-mender-agent/pkg/agent"
	"github.com/raycarroll/mcu-mender-agent/pkg/logger"
	"github.com/raycarroll/mcu-mender-agent/pkg/scheduler"
)

// Config configures the remote-shell add-on.
type Config struct {
	Enabled     bool
	ServerHost  string
	ShellPath   string
	DialTimeout time.Duration
}

// Addon bridges a remote operator's websocket session to a local shell
// process. It is activated on demand rather than on a fixed period, so its
// scheduler work item is created inactive and only fired via Execute.
type Addon struct {
	cfg       Config
	scheduler scheduler.Scheduler
	handle    scheduler.Handle

	mu      sync.Mutex
	active  bool
	session *shellSession
}

type shellSession struct {
	conn *websocket.Conn
	cmd  *exec.Cmd

	// rawState is the pre-session terminal state of the host's own stdin,
	// saved when the hosting process is itself attached to a terminal so
	// it can be restored once the bridged session ends. Nil when stdin is
	// not a terminal (the common case: an unattended device).
	rawFD    int
	rawState *term.State
}

// New builds a remote-shell Addon.
func New(cfg Config, sched scheduler.Scheduler) *Addon {
	if cfg.ShellPath == "" {
		cfg.ShellPath = "/bin/sh"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Addon{cfg: cfg, scheduler: sched}
}

func (a *Addon) Name() string { return "remoteshell" }

func (a *Addon) Init(*agent.Client) error {
	if !a.cfg.Enabled {
		return nil
	}
	// Work item created inactive: connect() only runs when Execute fires
	// it on demand, per the scheduler's "single cooperative work item" and
	// "execute requests an immediate out-of-band firing" contract (spec §5).
	a.handle = a.scheduler.WorkCreate(a.connect, 0, "remoteshell")
	return nil
}

func (a *Addon) Activate() {
	if a.cfg.Enabled {
		a.mu.Lock()
		a.active = true
		a.mu.Unlock()
	}
}

func (a *Addon) Deactivate() {
	a.mu.Lock()
	a.active = false
	sess := a.session
	a.session = nil
	a.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (a *Addon) Exit() {
	a.Deactivate()
	if a.cfg.Enabled {
		a.scheduler.WorkDelete(a.handle)
	}
}

// Connect requests an on-demand connection attempt, coalesced with any
// in-flight firing by the scheduler's execute semantics.
func (a *Addon) Connect() {
	if a.cfg.Enabled {
		a.scheduler.WorkExecute(a.handle)
	}
}

func (a *Addon) connect() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	u := url.URL{Scheme: "wss", Host: a.cfg.ServerHost, Path: "/api/devices/v1/deviceconnect/connect"}
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		logger.Warnf("remoteshell: dial failed: %v", err)
		return
	}

	cmd := exec.Command(a.cfg.ShellPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logger.Errorf("remoteshell: open stdin failed: %v", err)
		conn.Close()
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger.Errorf("remoteshell: open stdout failed: %v", err)
		conn.Close()
		return
	}
	if err := cmd.Start(); err != nil {
		logger.Errorf("remoteshell: start shell failed: %v", err)
		conn.Close()
		return
	}

	sess := &shellSession{conn: conn, cmd: cmd, rawFD: int(os.Stdin.Fd())}
	if isTerminal(sess.rawFD) {
		state, err := term.MakeRaw(sess.rawFD)
		if err != nil {
			logger.Warnf("remoteshell: enter raw mode failed: %v", err)
		} else {
			sess.rawState = state
		}
	}
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()

	go pumpToShell(conn, stdin)
	pumpFromShell(stdout, conn)
}

func pumpToShell(conn *websocket.Conn, stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, err := stdin.Write(data); err != nil {
			return
		}
	}
}

func pumpFromShell(stdout io.Reader, conn *websocket.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *shellSession) close() {
	if s.rawState != nil {
		_ = term.Restore(s.rawFD, s.rawState)
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// isTerminal reports whether fd refers to an interactive terminal, used to
// decide whether the hosting process's own stdin is switched to raw mode for
// the session's lifetime. The shell itself always talks over plain pipes.
func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}
