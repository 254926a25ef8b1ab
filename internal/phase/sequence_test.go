package phase

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/domain"
)

func evidence(phases ...domain.Phase) []domain.PhaseEvidence {
	var out []domain.PhaseEvidence
	for _, p := range phases {
		out = append(out, domain.PhaseEvidence{TaskID: "t", Phase: p})
	}
	return out
}

var (
	red      = domain.PhaseRed
	green    = domain.PhaseGreen
	refactor = domain.PhaseRefactor
)

func TestValidateEdges(t *testing.T) {
	cases := []struct {
		name    string
		history []domain.PhaseEvidence
		next    domain.Phase
		reason  string
	}{
		{"empty allows red", nil, red, ""},
		{"empty rejects green", nil, green, "missing_red"},
		{"empty rejects refactor", nil, refactor, "missing_green"},
		{"red repeats", evidence(red), red, ""},
		{"red to green", evidence(red), green, ""},
		{"red rejects refactor", evidence(red), refactor, "missing_green"},
		{"green repeats", evidence(red, green), green, ""},
		{"green to refactor", evidence(red, green), refactor, ""},
		{"green rejects red", evidence(red, green), red, "missing_refactor"},
		{"refactor to red", evidence(red, green, refactor), red, ""},
		{"refactor rejects green", evidence(red, green, refactor), green, "missing_red"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.history, tc.next)
			if tc.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidSequence)
			assert.Equal(t, tc.reason, domain.ReasonOf(err))
		})
	}
}

func TestValidateGreenFromEmptyNamesRed(t *testing.T) {
	err := Validate(nil, green)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "red")
}

func TestResetStartsNewCycle(t *testing.T) {
	history := append(evidence(red, green), domain.PhaseEvidence{TaskID: "t", Reset: true})
	assert.Equal(t, domain.Phase(""), Current(history))
	assert.NoError(t, Validate(history, red))
	assert.Error(t, Validate(history, refactor))
	assert.False(t, Reached(history, green))
	assert.True(t, Reached(evidence(red, green), green))
}

// Every sequence up to length 7 is accepted exactly when it belongs to
// (red+ green+ refactor+)* followed by an unfinished cycle.
func TestValidateHistoryMatchesRegularLanguage(t *testing.T) {
	lang := regexp.MustCompile(`^(r+g+f+)*(r+(g+f*)?)?$`)
	letters := map[byte]domain.Phase{'r': red, 'g': green, 'f': refactor}
	var walk func(prefix string)
	walk = func(prefix string) {
		if len(prefix) > 7 {
			return
		}
		var history []domain.PhaseEvidence
		for i := 0; i < len(prefix); i++ {
			history = append(history, domain.PhaseEvidence{Phase: letters[prefix[i]]})
		}
		err := ValidateHistory(history)
		if lang.MatchString(prefix) {
			assert.NoErrorf(t, err, "sequence %q should be accepted", prefix)
		} else {
			assert.ErrorIsf(t, err, domain.ErrInvalidSequence, "sequence %q should be rejected", prefix)
		}
		for _, l := range []string{"r", "g", "f"} {
			walk(prefix + l)
		}
	}
	walk("")
	assert.True(t, lang.MatchString(strings.Repeat("rgf", 2)+"r"))
}
