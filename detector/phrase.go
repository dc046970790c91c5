package detector

import (
	"discord-automod/model"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/sirupsen/logrus"
)

type compiledPhrase struct {
	phrase model.BannedPhrase
	lower  string
	re     *regexp2.Regexp
}

// PhraseSet is the compiled banned-phrase list of one guild. It is immutable
// after CompilePhrases and safe for concurrent use.
type PhraseSet struct {
	phrases []compiledPhrase
	logger  *logrus.Entry
}

// CompilePhrases compiles the phrases of a guild. Phrases that fail to compile
// are skipped and reported; the rest stay active.
func CompilePhrases(phrases []model.BannedPhrase, timeout time.Duration) (*PhraseSet, []error) {
	if timeout <= 0 {
		timeout = model.DefaultRegexTimeout
	}
	set := &PhraseSet{logger: logrus.WithField("module", "PhraseDetector")}
	var errs []error
	for _, p := range phrases {
		if strings.TrimSpace(p.Pattern) == "" {
			errs = append(errs, fmt.Errorf("banned phrase with empty pattern"))
			continue
		}
		if !p.Kind.Valid() || p.Kind == model.PunishmentNone {
			errs = append(errs, fmt.Errorf("banned phrase %q: invalid kind %s", p.Pattern, p.Kind))
			continue
		}
		c := compiledPhrase{phrase: p}
		if p.Regex {
			re, err := regexp2.Compile(p.Pattern, regexp2.IgnoreCase)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to compile banned phrase %q: %w", p.Pattern, err))
				continue
			}
			re.MatchTimeout = timeout
			c.re = re
		} else {
			c.lower = strings.ToLower(p.Pattern)
		}
		set.phrases = append(set.phrases, c)
	}
	return set, errs
}

// Len returns the number of active phrases.
func (s *PhraseSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.phrases)
}

// Scan returns every phrase matching content. Regex evaluation errors, such
// as timeouts, count as non-matches and are returned wrapped in
// ErrRegexTimeout.
func (s *PhraseSet) Scan(content string) ([]model.BannedPhrase, []error) {
	if s == nil || content == "" {
		return nil, nil
	}
	var (
		matches []model.BannedPhrase
		errs    []error
		lower   string
	)
	for _, c := range s.phrases {
		if c.re == nil {
			if lower == "" {
				lower = strings.ToLower(content)
			}
			if strings.Contains(lower, c.lower) {
				matches = append(matches, c.phrase)
			}
			continue
		}
		ok, err := c.re.MatchString(content)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: pattern %q: %v", ErrRegexTimeout, c.phrase.Pattern, err))
			continue
		}
		if ok {
			matches = append(matches, c.phrase)
		}
	}
	return matches, errs
}

// Match is Scan with errors logged instead of returned.
func (s *PhraseSet) Match(content string) []model.BannedPhrase {
	matches, errs := s.Scan(content)
	for _, err := range errs {
		s.logger.WithError(err).Warn("banned phrase skipped")
	}
	return matches
}

// Kinds returns the distinct punishment kinds of matches, in match order.
func Kinds(matches []model.BannedPhrase) []model.PunishmentKind {
	var kinds []model.PunishmentKind
	seen := make(map[model.PunishmentKind]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.Kind]; ok {
			continue
		}
		seen[m.Kind] = struct{}{}
		kinds = append(kinds, m.Kind)
	}
	return kinds
}
