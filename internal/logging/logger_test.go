package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gurkepunktli/strehlgasse-temp/internal/config"
)

func TestNewLogger_JSONInProd(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo}

	logger := newLogger(&buf, cfg, "1.2.3", "bridge")
	logger.Info("delivered", "temperature", 21.5)
	logger.Debug("hidden")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not a single JSON record: %v\n%s", err, buf.String())
	}
	for k, want := range map[string]any{"msg": "delivered", "app": "bridge", "version": "1.2.3", "env": "prod", "temperature": 21.5} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %v", k, rec[k], want)
		}
	}
}

func TestNewLogger_TintInDev(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{AppEnv: "dev", LogLevel: slog.LevelDebug, LogFile: "plain"}

	newLogger(&buf, cfg, "dev", "bridge").Debug("gate rejected", "decision", "reject_change")

	out := buf.String()
	if !strings.Contains(out, "gate rejected") || !strings.Contains(out, "decision=reject_change") {
		t.Fatalf("unexpected tint output: %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("dev output should not be JSON: %q", out)
	}
}

func TestNew_WritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	cfg := config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo, LogFile: path}

	logger, closer, err := New(cfg, "1.0.0", "bridge")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Warn("too many errors", "consecutive_errors", 5)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"too many errors"`) {
		t.Fatalf("log file missing record: %s", b)
	}
}

func TestNew_BadLogFile(t *testing.T) {
	cfg := config.Config{LogFile: filepath.Join(t.TempDir(), "missing", "dir", "bridge.log")}
	if _, _, err := New(cfg, "dev", "bridge"); err == nil {
		t.Fatal("New() error = nil, want error for unwritable log file")
	}
}
