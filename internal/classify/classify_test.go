package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"taskgate/internal/domain"
)

func TestClassifyScenarios(t *testing.T) {
	k := New(nil, nil)
	cases := []struct {
		title    string
		criteria []string
		want     domain.Classification
	}{
		{"Add payment validation", []string{"valid card accepted", "invalid card rejected"}, domain.Functional},
		{"Fix build configuration", []string{"build passes"}, domain.NonFunctional},
		{"Update README", nil, domain.NonFunctional},
		{"Bump dependencies", []string{"CI is green"}, domain.NonFunctional},
		// both vocabularies
		{"Configure login endpoint", nil, domain.Functional},
		// neither vocabulary
		{"Misc", []string{"something"}, domain.Functional},
	}
	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			assert.Equal(t, tc.want, k.Classify(tc.title, tc.criteria))
		})
	}
}

func TestShortTermsMatchWholeWords(t *testing.T) {
	k := New(nil, nil)
	// "ci" must not match inside "decision", "api" not inside "capital"
	assert.Equal(t, domain.Functional, k.Classify("Capital decision", nil))
	fn, nf := k.Matches("Capital decision", nil)
	assert.Empty(t, fn)
	assert.Empty(t, nf)
	_, nf = k.Matches("Fix CI", nil)
	assert.Equal(t, []string{"ci"}, nf)
}

func TestPhraseTerms(t *testing.T) {
	k := Keyword{Functional: []string{"user can"}, NonFunctional: []string{"docs"}}
	assert.Equal(t, domain.NonFunctional, k.Classify("docs", []string{"user sees page"}))
	assert.Equal(t, domain.Functional, k.Classify("docs", []string{"a user can sign in"}))
}

func TestClassifyIsDeterministic(t *testing.T) {
	k := New(nil, nil)
	inputs := [][]string{
		{"Add payment validation", "valid card accepted"},
		{"Fix build configuration", "build passes"},
		{"Deploy", "rename api"},
	}
	for _, in := range inputs {
		first := k.Classify(in[0], in[1:])
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, k.Classify(in[0], in[1:]))
		}
	}
}

func TestConfiguredVocabularyOverridesDefaults(t *testing.T) {
	k := New([]string{"ledger"}, []string{"payment"})
	assert.Equal(t, domain.NonFunctional, k.Classify("payment page", nil))
	assert.Equal(t, domain.Functional, k.Classify("ledger payment", nil))
}
