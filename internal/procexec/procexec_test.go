package procexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecReportsExitCode(t *testing.T) {
	res, err := Exec{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.OK())
}

func TestExecTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res, err := Exec{WaitDelay: 100 * time.Millisecond}.Run(context.Background(), Command{
		Name: "sh", Args: []string{"-c", "sleep 10"}, Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecMissingBinary(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), Command{Name: "taskgate-definitely-missing"})
	assert.Error(t, err)
}

func TestParseGoJSON(t *testing.T) {
	out := `{"Action":"run","Package":"p","Test":"TestA"}
{"Action":"pass","Package":"p","Test":"TestA"}
{"Action":"run","Package":"p","Test":"TestB"}
{"Action":"fail","Package":"p","Test":"TestB"}
{"Action":"skip","Package":"p","Test":"TestC"}
{"Action":"fail","Package":"p"}
`
	s := ParseTestOutput(out)
	assert.True(t, s.Recognized)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Contains(t, s.Failures, "p.TestB")
}

func TestParseGoJSONBuildFailure(t *testing.T) {
	s := ParseTestOutput(`{"Action":"output","Package":"p","Output":"syntax error"}
{"Action":"fail","Package":"p"}
`)
	assert.Equal(t, 0, s.Passed)
	assert.Equal(t, 1, s.Failed)
}

func TestParseSummaries(t *testing.T) {
	cases := map[string]struct {
		out                 string
		pass, fail, skipped int
	}{
		"go verbose": {"=== RUN TestA\n--- PASS: TestA (0.00s)\n--- FAIL: TestB (0.01s)\nFAIL\n", 1, 1, 0},
		"jest":       {"Tests:       1 failed, 4 passed, 5 total\n", 4, 1, 0},
		"pytest":     {"==== 2 failed, 3 passed, 1 skipped in 0.12s ====\n", 3, 2, 1},
		"mocha":      {"  3 passing (20ms)\n  1 failing\n  2 pending\n", 3, 1, 2},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := ParseTestOutput(tc.out)
			assert.True(t, s.Recognized)
			assert.Equal(t, tc.pass, s.Passed)
			assert.Equal(t, tc.fail, s.Failed)
			assert.Equal(t, tc.skipped, s.Skipped)
		})
	}
	assert.False(t, ParseTestOutput("nothing to see").Recognized)
}

func TestParseCoverage(t *testing.T) {
	v, ok := ParseCoverage("ok  a 0.1s coverage: 80.0% of statements\nok  b 0.1s coverage: 60.0% of statements\n")
	require.True(t, ok)
	assert.InDelta(t, 70.0, v, 0.001)

	v, ok = ParseCoverage("a.go:1:\tF\t100.0%\ntotal:\t\t\t(statements)\t85.5%\n")
	require.True(t, ok)
	assert.InDelta(t, 85.5, v, 0.001)

	v, ok = ParseCoverage("ok  a 0.1s coverage: 100.0% of statements\nok  b 0.1s coverage: 10.0% of statements\ntotal:\t\t\t(statements)\t22.0%\n")
	require.True(t, ok)
	assert.InDelta(t, 22.0, v, 0.001, "the tool total wins over per-package lines")

	_, ok = ParseCoverage("no coverage here")
	assert.False(t, ok)
}

func TestCountFindings(t *testing.T) {
	out := "pkg/a.go:10:2: unused variable x\npkg/b.go:3: shadow\n# pkg\nnot a finding\n"
	assert.Equal(t, 2, CountFindings(out))
}

func TestParseTestOutputOfCountsNamedTestsOnly(t *testing.T) {
	out := `{"Action":"run","Package":"example/pkg","Test":"TestOld"}
{"Action":"pass","Package":"example/pkg","Test":"TestOld"}
{"Action":"run","Package":"example/pkg","Test":"TestNew"}
{"Action":"run","Package":"example/pkg","Test":"TestNew/case"}
{"Action":"pass","Package":"example/pkg","Test":"TestNew/case"}
{"Action":"fail","Package":"example/pkg","Test":"TestNew"}
{"Action":"fail","Package":"example/pkg"}
`
	s := ParseTestOutputOf(out, []string{"TestNew"})
	assert.Equal(t, 0, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Contains(t, s.Failures, "example/pkg.TestNew")

	all := ParseTestOutput(out)
	assert.Equal(t, 2, all.Passed)

	verbose := "=== RUN   TestOld\n--- PASS: TestOld (0.00s)\n=== RUN   TestNew\n--- FAIL: TestNew (0.00s)\nFAIL\n"
	s = ParseTestOutputOf(verbose, []string{"TestNew"})
	assert.Equal(t, 0, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Total())
}
