package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSaveListShowExportRestore(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	base := []string{"--backend", "file", "--data-dir", filepath.Join(dir, "data"), "--no-color"}

	payload := `[{"time":"9:00","duration":120},{"time":"10:00","duration":240}]`
	if _, err := execute(t, append([]string{"save", "ana@example.com", "duration", payload}, base...)...); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	out, err := execute(t, append([]string{"list", "ana@example.com"}, base...)...)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "Call Duration Analysis") || !strings.Contains(out, "Average duration 3m 0s") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	out, err = execute(t, append([]string{"owners"}, base...)...)
	if err != nil || !strings.Contains(out, "1 owners") {
		t.Errorf("unexpected owners output (%v):\n%s", err, out)
	}

	out, err = execute(t, append([]string{"show", "ana@example.com", "duration"}, base...)...)
	if err != nil || !strings.Contains(out, "10:00") {
		t.Errorf("unexpected show output (%v):\n%s", err, out)
	}

	export := filepath.Join(dir, "charts.jsonl")
	if _, err := execute(t, append([]string{"export", "--file", export}, base...)...); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	data, err := os.ReadFile(export)
	if err != nil || bytes.Count(data, []byte("\n")) != 2 {
		t.Fatalf("expected header and one record, got %q (%v)", data, err)
	}

	restored := []string{"--backend", "badger", "--data-dir", filepath.Join(dir, "restored"), "--no-color"}
	if _, err := execute(t, append([]string{"restore", export}, restored...)...); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	out, err = execute(t, append([]string{"list", "ana@example.com"}, restored...)...)
	if err != nil || !strings.Contains(out, "Average duration 3m 0s") {
		t.Errorf("restored store is missing the chart (%v):\n%s", err, out)
	}
}

func TestArgumentErrors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	base := []string{"--backend", "memory"}

	if _, err := execute(t, append([]string{"load", "ana@example.com", "pie"}, base...)...); err == nil {
		t.Error("expected an unknown kind error")
	}
	if _, err := execute(t, append([]string{"save", "ana@example.com", "duration", "{"}, base...)...); err == nil {
		t.Error("expected a payload error")
	}
	if _, err := execute(t, append([]string{"load", "nobody@example.com", "duration"}, base...)...); err == nil {
		t.Error("expected a not found error")
	}
}
