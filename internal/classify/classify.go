// Package classify decides whether a task is functional or non-functional
// from its title and acceptance criteria.
package classify

import (
	"strings"
	"unicode"

	"taskgate/internal/domain"
)

// Classifier is a pure strategy: the same input always yields the same result.
type Classifier interface {
	Classify(title string, criteria []string) domain.Classification
}

var DefaultFunctionalTerms = []string{
	"valid", "verif", "process", "calculat", "compute", "persist", "save", "store",
	"auth", "login", "logout", "password", "permission", "payment", "checkout", "order",
	"invoice", "api", "endpoint", "request", "response", "workflow", "logic", "rule",
	"integrat", "sync", "import", "export", "reject", "accept", "user can", "feature",
	"query", "search", "notify",
}

var DefaultNonFunctionalTerms = []string{
	"config", "deploy", "docs", "documentation", "readme", "changelog", "comment",
	"style", "css", "lint", "format", "build", "ci", "pipeline", "dependency",
	"dependencies", "upgrade", "bump", "typo", "rename", "dockerfile", "makefile",
	"release", "version",
}

// Keyword matches vocabulary terms against the words of the text. Terms of
// three characters or fewer must match a whole word, longer terms match a
// word prefix, and multi-word terms match as a phrase.
type Keyword struct {
	Functional    []string
	NonFunctional []string
}

// New returns a Keyword classifier, falling back to the default vocabulary
// for an empty list.
func New(functional, nonFunctional []string) Keyword {
	if len(functional) == 0 {
		functional = DefaultFunctionalTerms
	}
	if len(nonFunctional) == 0 {
		nonFunctional = DefaultNonFunctionalTerms
	}
	return Keyword{Functional: functional, NonFunctional: nonFunctional}
}

func (k Keyword) Classify(title string, criteria []string) domain.Classification {
	words := tokenize(title + " " + strings.Join(criteria, " "))
	fn := matchAny(words, k.Functional)
	nf := matchAny(words, k.NonFunctional)
	if nf && !fn {
		return domain.NonFunctional
	}
	// ambiguity resolves toward the stricter discipline
	return domain.Functional
}

// Matches reports the vocabulary terms found in the text, for diagnostics.
func (k Keyword) Matches(title string, criteria []string) (functional, nonFunctional []string) {
	words := tokenize(title + " " + strings.Join(criteria, " "))
	for _, t := range k.Functional {
		if matchTerm(words, t) {
			functional = append(functional, t)
		}
	}
	for _, t := range k.NonFunctional {
		if matchTerm(words, t) {
			nonFunctional = append(nonFunctional, t)
		}
	}
	return functional, nonFunctional
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func matchAny(words, terms []string) bool {
	for _, t := range terms {
		if matchTerm(words, t) {
			return true
		}
	}
	return false
}

func matchTerm(words []string, term string) bool {
	parts := tokenize(term)
	switch {
	case len(parts) == 0:
		return false
	case len(parts) > 1:
		for i := 0; i+len(parts) <= len(words); i++ {
			ok := true
			for j, p := range parts {
				if words[i+j] != p {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
		}
		return false
	}
	term = parts[0]
	for _, w := range words {
		if len(term) <= 3 {
			if w == term {
				return true
			}
			continue
		}
		if strings.HasPrefix(w, term) {
			return true
		}
	}
	return false
}
