// Package instance guards against two engines trading the same accounts from
// one host. The guard is a lock file created exclusively on start and removed
// on shutdown.
package instance

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	yerrors "github.com/yanun0323/errors"
)

var ErrLocked = errors.New("instance lock held")

type Options struct {
	// Takeover allows replacing a lock whose owner is gone or stale.
	Takeover bool
	// StaleAfter ages out locks whose owner cannot be checked. Zero disables it.
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

type Lock struct {
	path string
	file *os.File
}

type owner struct {
	pid       int
	host      string
	startedAt time.Time
}

// Acquire creates the lock file at path. When the file already exists and
// Takeover is set, a lock left behind by a dead local process (or one older
// than StaleAfter) is replaced.
func Acquire(path string, opts Options) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, yerrors.Wrap(err, "create lock dir")
	}
	host, _ := os.Hostname()

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := writeOwner(f, owner{pid: os.Getpid(), host: host, startedAt: now().UTC()}); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, yerrors.Wrap(err, "write lock file")
			}
			log.Info("instance lock acquired", "event", "instance_lock_acquired", "path", path)
			return &Lock{path: path, file: f}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, yerrors.Wrap(err, "open lock file")
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		stale, reason, err := isStale(path, host, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		log.Warn("taking over instance lock", "event", "instance_lock_takeover", "path", path, "reason", reason)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, yerrors.Wrap(err, "remove stale lock")
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return yerrors.Wrap(err, "remove lock file")
	}
	l.path = ""
	return nil
}

func writeOwner(f *os.File, o owner) error {
	payload := fmt.Sprintf("pid=%d\nhost=%s\nstarted_at=%s\n", o.pid, o.host, o.startedAt.Format(time.RFC3339))
	if _, err := f.WriteString(payload); err != nil {
		return err
	}
	return f.Sync()
}

// isStale decides whether an existing lock may be replaced. A pid is only
// trusted when the lock was written on this host.
func isStale(path, host string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	o, err := parseOwner(data)
	if err != nil {
		return false, "", err
	}
	if o.pid > 0 && (o.host == "" || o.host == host) {
		if processAlive(o.pid) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if o.startedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(o.startedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func parseOwner(data []byte) (owner, error) {
	var o owner
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.pid = pid
			}
		case "host":
			o.host = value
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				o.startedAt = ts.UTC()
			}
		}
	}
	return o, scanner.Err()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false
	case errors.Is(err, syscall.EPERM):
		// exists but owned by another user
		return true
	default:
		return false
	}
}
