package reply

import "strings"

// SilentToken is the marker a model emits when the right answer is to say
// nothing. It only counts at the start or end of the reply; embedded
// occurrences are ordinary text.
const SilentToken = "NO_REPLY"

// isSilent reports whether text carries no content beyond the token.
func isSilent(text string) bool {
	return strings.Contains(text, SilentToken) && stripSilentToken(text) == ""
}

// stripSilentToken removes a leading and a trailing token together with the
// whitespace around them.
func stripSilentToken(text string) string {
	s := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(s, SilentToken); ok && startsAtBoundary(rest) {
		s = strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutSuffix(s, SilentToken); ok && endsAtBoundary(rest) {
		s = strings.TrimSpace(rest)
	}
	return s
}

// startsAtBoundary guards against "NO_REPLYFOO" counting as a token.
func startsAtBoundary(rest string) bool {
	return rest == "" || !isWordByte(rest[0])
}

func endsAtBoundary(rest string) bool {
	return rest == "" || !isWordByte(rest[len(rest)-1])
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
