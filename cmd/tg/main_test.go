package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/checks"
	"taskgate/internal/domain"
)

func TestReportErrorText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := domain.Errorf(domain.KindInvalidTransition, "invalid_transition", "cannot move task T-1 from pending to review")
	reportError(&stdout, &stderr, false, err)
	assert.Empty(t, stdout.String())
	assert.Equal(t, "error: invalid_transition: cannot move task T-1 from pending to review\n", stderr.String())

	stderr.Reset()
	reportError(&stdout, &stderr, false, errors.New("disk full"))
	assert.Equal(t, "error: error: disk full\n", stderr.String())
}

func TestReportErrorJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	reportError(&stdout, &stderr, true, domain.Errorf(domain.KindInvalidSequence, "no_test_file", "red needs a changed test file"))
	assert.Empty(t, stderr.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "no_test_file", out["reason"])
	assert.Equal(t, "red needs a changed test file", out["detail"])
}

func TestReportedErrorKeepsCause(t *testing.T) {
	err := reportedError{domain.Errorf(domain.KindCheckFailed, "checks_failed", "lint: 3 warnings")}
	assert.ErrorIs(t, err, domain.ErrCheckFailed)
}

func TestRenderReportListsEveryCheck(t *testing.T) {
	rep := checks.Report{
		Mode:     checks.ModeFull,
		Profile:  "strict",
		Duration: 1500 * time.Millisecond,
		Results: []checks.Outcome{
			{ID: "lint", OK: true, Status: checks.StatusPass},
			{ID: "tests", Status: checks.StatusFail, Reason: "timeout after 1s", TimedOut: true},
		},
		Cancelled: []string{"coverage"},
	}
	var buf bytes.Buffer
	renderReport(&buf, rep)
	out := buf.String()
	for _, want := range []string{"lint", "fail (timeout)", "coverage", "cancelled", "FAIL full battery (strict profile) in 1.5s"} {
		assert.True(t, strings.Contains(out, want), "missing %q in\n%s", want, out)
	}
}
