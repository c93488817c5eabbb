package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalLogWriter_Send(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path, MaxSize: 1024, MaxFiles: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer lw.Close()

	if err := lw.Send(SyslogInfo, "hello world"); err != nil {
		t.Fatal(err)
	}
	if err := lw.Send(SyslogWarning, "warning msg"); err != nil {
		t.Fatal(err)
	}
	if err := lw.Send(SyslogError, "error msg"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	content := string(data)
	if !strings.Contains(content, "[INFO] hello world") {
		t.Errorf("missing INFO line in %q", content)
	}
	if !strings.Contains(content, "[WARNING] warning msg") {
		t.Errorf("missing WARNING line in %q", content)
	}
	if !strings.Contains(content, "[ERROR] error msg") {
		t.Errorf("missing ERROR line in %q", content)
	}

	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for _, line := range lines {
		// Format: "2006-01-02T15:04:05.000 [SEV] msg"
		if len(line) < 24 {
			t.Errorf("line too short: %q", line)
		}
	}
}

func TestLocalLogWriter_WriteEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer lw.Close()

	err = lw.WriteEvent(EventRecord{
		Type:      EventARPConflict,
		Interface: "eth0",
		Addr:      "192.168.1.10",
		MAC:       "02:00:00:00:00:99",
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"ARP_CONFLICT", "ifc=eth0", "addr=192.168.1.10", "mac=02:00:00:00:00:99"} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in %q", want, content)
		}
	}
}

func TestLocalLogWriter_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	// Small maxSize to trigger rotation quickly.
	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path, MaxSize: 50, MaxFiles: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer lw.Close()

	for i := 0; i < 10; i++ {
		lw.Send(SyslogInfo, "rotation test message")
	}

	if _, err := os.Stat(path + ".1"); os.IsNotExist(err) {
		t.Error("expected rotated file .1 to exist")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 200 {
		t.Errorf("current file should be small after rotation, got %d bytes", info.Size())
	}
}

func TestLocalLogWriter_CloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	lw.Close()
	if err := lw.Close(); err != nil {
		t.Errorf("second close should return nil, got %v", err)
	}
}

func TestLocalLogWriter_SendAfterClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	lw.Close()

	if err := lw.Send(SyslogInfo, "should fail"); err == nil {
		t.Error("expected error writing to closed file")
	}
}
