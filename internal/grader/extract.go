package grader

import "strings"

var choicePhrases = []string{
	"ANSWER IS ",
	"CHOOSE ",
	"SELECT ",
	"PICK ",
	"MY ANSWER IS ",
	"I CHOOSE ",
	"I SELECT ",
	"I PICK ",
}

func isChoice(r byte) bool {
	return r >= 'A' && r <= 'D'
}

// ExtractChoice pulls a multiple-choice answer (A-D) out of a free-text
// reply. It tries a leading letter first, then common answer phrases,
// then any standalone letter token. Returns "" when nothing matches.
func ExtractChoice(reply string) string {
	s := strings.ToUpper(strings.TrimSpace(reply))
	if s == "" {
		return ""
	}

	if isChoice(s[0]) && (len(s) == 1 || !isLetterOrDigit(s[1])) {
		return s[:1]
	}

	for _, p := range choicePhrases {
		idx := strings.Index(s, p)
		if idx < 0 {
			continue
		}
		at := idx + len(p)
		if at < len(s) && isChoice(s[at]) && (at+1 == len(s) || !isLetterOrDigit(s[at+1])) {
			return s[at : at+1]
		}
	}

	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ".,!?;:()\"'")
		if len(w) == 1 && isChoice(w[0]) {
			return w
		}
	}
	return ""
}

func isLetterOrDigit(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
