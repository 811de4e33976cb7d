package grade

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/victornm/duelo/internal/domain"
)

// stripMarks decomposes to NFD and removes combining marks, so that
// "Japão" and "Japao" reduce to the same bytes.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// articles are dropped during normalization: Portuguese definite and
// indefinite articles plus the English ones.
var articles = map[string]struct{}{
	"o": {}, "a": {}, "os": {}, "as": {},
	"um": {}, "uma": {}, "uns": {}, "umas": {},
	"the": {}, "an": {},
}

// Normalize reduces free text to its canonical comparison form: diacritics
// stripped, lowercased, every non-alphanumeric run collapsed to a single
// space, articles removed. Idempotent. This is the only comparator used
// for grading text answers.
func Normalize(s string) string {
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for _, t := range tokens {
		if _, drop := articles[t]; !drop {
			kept = append(kept, t)
		}
	}

	return strings.Join(kept, " ")
}

// IsAnswerCorrect reports whether the input matches one of the accepted
// variants on canonical form. A blank input is never correct, even when
// an accepted variant normalizes to empty. No partial credit.
func IsAnswerCorrect(input string, accepted []string) bool {
	n := Normalize(input)
	if n == "" {
		return false
	}

	for _, a := range accepted {
		if Normalize(a) == n {
			return true
		}
	}

	return false
}

// Entry grades a participant's final answers against a level and returns
// (score, total). Grading depends on the level mode: choices compares the
// answer with the option text at the stored correct index, text goes
// through IsAnswerCorrect, and blank counts any non-blank answer since
// those levels carry no answer key.
func Entry(level domain.Level, answers map[string]string) (score, total int) {
	total = len(level.Questions)

	for _, q := range level.Questions {
		ans := answers[q.QuestionID]

		switch level.Mode {
		case domain.ModeBlank:
			if strings.TrimSpace(ans) != "" {
				score++
			}
		case domain.ModeChoices:
			if q.CorrectOption >= 0 && q.CorrectOption < len(q.Options) && ans == q.Options[q.CorrectOption] {
				score++
			}
		default:
			if IsAnswerCorrect(ans, q.Answers) {
				score++
			}
		}
	}

	return score, total
}
