package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditLoggerRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	if err := Init(Config{Level: "debug", Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Audit().Info("account_provisioned", "user_id", "u-1", "signing_key", "0xdeadbeef", "API_KEY", "k")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected an audit entry")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["msg"] != "account_provisioned" || entry["user_id"] != "u-1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["signing_key"] != redacted || entry["API_KEY"] != redacted {
		t.Fatalf("secrets leaked: %v", entry)
	}
	if entry["stream"] != "audit" {
		t.Fatalf("expected audit stream tag, got %v", entry["stream"])
	}
}

func TestAuditEnabledRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q)=%s want %s", in, got, want)
		}
	}
}
