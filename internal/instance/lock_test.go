package instance

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writeLock(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "tradingbot.lock")
	lock, err := Acquire(path, Options{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	_, err = Acquire(path, Options{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if !strings.Contains(string(data), "pid="+strconv.Itoa(os.Getpid())) {
		t.Fatalf("lock body = %q, want own pid", data)
	}
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradingbot.lock")
	lock, err := Acquire(path, Options{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}
}

func TestTakeoverDeadLocalProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradingbot.lock")
	host, _ := os.Hostname()
	writeLock(t, path, "pid=999999\nhost="+host+"\nstarted_at="+time.Now().UTC().Format(time.RFC3339)+"\n")

	lock, err := Acquire(path, Options{Takeover: true, StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("Acquire() error = %v, want takeover", err)
	}
	defer lock.Release()
}

func TestNoTakeoverOfRunningProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradingbot.lock")
	writeLock(t, path, "pid="+strconv.Itoa(os.Getpid())+"\nstarted_at="+time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)+"\n")

	_, err := Acquire(path, Options{Takeover: true, StaleAfter: time.Second})
	if !errors.Is(err, ErrLocked) || !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("Acquire() error = %v, want owner_process_running", err)
	}
}

func TestForeignHostFallsBackToAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradingbot.lock")
	started := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	writeLock(t, path, "pid=1\nhost=some-other-host.invalid\nstarted_at="+started.Format(time.RFC3339)+"\n")

	_, err := Acquire(path, Options{
		Takeover:   true,
		StaleAfter: 10 * time.Minute,
		Now:        func() time.Time { return started.Add(time.Minute) },
	})
	if err == nil || !strings.Contains(err.Error(), "lock_not_stale") {
		t.Fatalf("Acquire() error = %v, want lock_not_stale", err)
	}

	lock, err := Acquire(path, Options{
		Takeover:   true,
		StaleAfter: time.Minute,
		Now:        func() time.Time { return started.Add(2 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v, want age takeover", err)
	}
	defer lock.Release()
}

func TestMissingOwnerInfoIsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradingbot.lock")
	writeLock(t, path, "garbage\n")

	_, err := Acquire(path, Options{Takeover: true, StaleAfter: time.Second})
	if err == nil || !strings.Contains(err.Error(), "missing_lock_owner_info") {
		t.Fatalf("Acquire() error = %v, want missing_lock_owner_info", err)
	}
}
