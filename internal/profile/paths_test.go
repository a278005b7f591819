package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirDefaultsToHome(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".conversa", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(HomeEnv, tmpDir)

	if got := ConfigPath(); got != filepath.Join(tmpDir, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
	if got := CredentialsPath("work"); got != filepath.Join(tmpDir, "profiles", "work", "credentials.toml") {
		t.Errorf("CredentialsPath(work) = %q", got)
	}
}

func TestSocketAndLockPath(t *testing.T) {
	if got := SocketPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix profiles/test/daemon.sock", got)
	}
	if got := LockPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix profiles/test/LOCK", got)
	}
	if got := LogPath("test"); !strings.HasSuffix(got, filepath.Join("logs", "conversad.log")) {
		t.Errorf("LogPath(test) = %q, want suffix logs/conversad.log", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir perm = %o, want 0700", perm)
	}
}

func TestList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	profiles, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 0 {
		t.Fatalf("List() on empty home = %v, want none", profiles)
	}

	for _, name := range []string{"work", "main", "Bad.Name"} {
		if err := os.MkdirAll(Dir(name), 0700); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(SocketPath("work"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	profiles, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 2 {
		t.Fatalf("List() = %v, want main and work", profiles)
	}
	if profiles[0].Name != "main" || profiles[0].DaemonRunning {
		t.Errorf("profiles[0] = %+v, want main (stopped)", profiles[0])
	}
	if profiles[1].Name != "work" || !profiles[1].DaemonRunning {
		t.Errorf("profiles[1] = %+v, want work (running)", profiles[1])
	}
}
