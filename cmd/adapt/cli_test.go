package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsawler/go-adapt/adapt"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), "stderr: %s", errOut.String())
	return out.String(), errOut.String()
}

func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	logger = zap.NewNop()
	configPath = ""
	t.Setenv("ADAPT_HISTORY_DB", filepath.Join(dir, "history.db"))
	return dir
}

func TestFitRecordsHistory(t *testing.T) {
	dir := setupCLI(t)
	cp := filepath.Join(dir, "out", "dann.json")

	out, progress := execute(t, newFitCmd(), "--epochs", "2", "--samples", "12", "--batch-size", "6", "--checkpoint", cp)
	assert.Contains(t, out, "method:          dann")
	assert.Contains(t, out, "target accuracy:")
	assert.Contains(t, out, "true\\pred")
	assert.NotEmpty(t, progress)
	assert.FileExists(t, cp)

	m := regexp.MustCompile(`run:\s+(\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2)
	runID := m[1]

	list, _ := execute(t, newHistoryCmd())
	assert.Contains(t, list, runID)
	assert.Contains(t, list, "finished")

	detail, _ := execute(t, newHistoryCmd(), "--run", runID)
	assert.Contains(t, detail, "run "+runID+" (dann, finished)")
	lines := strings.Split(strings.TrimSpace(detail), "\n")
	assert.Len(t, lines, 5, "title, blank, header and two epochs")

	deleted, _ := execute(t, newHistoryCmd(), "--run", runID, "--delete")
	assert.Contains(t, deleted, "deleted run "+runID)
	empty, _ := execute(t, newHistoryCmd())
	assert.Contains(t, empty, "no runs recorded")
}

func TestFitWithoutHistory(t *testing.T) {
	setupCLI(t)
	out, _ := execute(t, newFitCmd(), "-m", "deepjdot", "-e", "1", "--samples", "9", "-q", "--no-history")
	assert.Contains(t, out, "method:          deepjdot")
	assert.NotContains(t, out, "checkpoint:")
}

func TestFitRejectsUnknownMethod(t *testing.T) {
	setupCLI(t)
	cmd := newFitCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--method", "mmd", "--no-history"})
	assert.Error(t, cmd.Execute())
}

func TestCompareWritesCheckpointPerMethod(t *testing.T) {
	dir := setupCLI(t)
	cp := filepath.Join(dir, "cp.bin")

	out, _ := execute(t, newCompareCmd(),
		"--methods", "dann,deepjdot", "--workers", "2",
		"-e", "1", "--samples", "10", "--checkpoint", cp, "--format", "binary")
	assert.Contains(t, out, "METHOD")
	assert.Contains(t, out, "dann")
	assert.Contains(t, out, "deepjdot")
	assert.FileExists(t, filepath.Join(dir, "cp-dann.bin"))
	assert.FileExists(t, filepath.Join(dir, "cp-deepjdot.bin"))
	_, err := os.Stat(cp)
	assert.True(t, os.IsNotExist(err))

	list, _ := execute(t, newHistoryCmd(), "--limit", "0")
	assert.Equal(t, 2, strings.Count(list, "finished"))
}

func TestSummaryAndVersion(t *testing.T) {
	setupCLI(t)
	out, _ := execute(t, summaryCmd)
	assert.Contains(t, out, "ToyCNN")
	assert.Contains(t, out, "DomainClassifier")
	assert.Contains(t, out, "feature_extractor.0")

	out, _ = execute(t, versionCmd)
	assert.Contains(t, out, "adapt "+version)
	assert.Contains(t, out, "simd:")
}

func TestCheckpointPath(t *testing.T) {
	tests := []struct {
		path      string
		method    adapt.Method
		perMethod bool
		want      string
	}{
		{"", adapt.MethodDANN, true, ""},
		{"out/model.json", adapt.MethodCDAN, false, "out/model.json"},
		{"out/model.json", adapt.MethodCDAN, true, "out/model-cdan.json"},
		{"model", adapt.MethodDeepJDOT, true, "model-deepjdot"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, checkpointPath(tt.path, tt.method, tt.perMethod))
		})
	}
}
