package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBuildTeesToFile(t *testing.T) {
	var stdout bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "runner.log")
	cfg := DefaultConfig()
	cfg.File = file

	logger, closer, err := build(cfg, zapcore.AddSync(&stdout))
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("symbol completed", zap.String("symbol", "BTCUSDT"))
	logger.Debug("dropped at info level")
	logger.Sync()
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &entry); err != nil {
		t.Fatalf("stdout is not one JSON line: %q", stdout.String())
	}
	if entry["msg"] != "symbol completed" || entry["symbol"] != "BTCUSDT" {
		t.Fatalf("unexpected entry %v", entry)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"symbol":"BTCUSDT"`) || strings.Contains(string(data), "dropped") {
		t.Fatalf("unexpected file contents %q", data)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	if _, _, err := build(Config{Level: "loud"}, zapcore.AddSync(&bytes.Buffer{})); err == nil {
		t.Fatal("expected level error")
	}
	if _, _, err := build(Config{Level: "info", Format: "xml"}, zapcore.AddSync(&bytes.Buffer{})); err == nil {
		t.Fatal("expected format error")
	}
}
