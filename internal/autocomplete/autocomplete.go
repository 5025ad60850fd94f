// Package autocomplete suggests completions for the identifier under the
// editor cursor from a fixed word list.
package autocomplete

import "strings"

func isWordChar(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

// Prefix extracts the identifier fragment immediately before the cursor.
func Prefix(code string, cursor int) string {
	if cursor < 0 {
		return ""
	}
	if cursor > len(code) {
		cursor = len(code)
	}

	i := cursor - 1
	for i >= 0 && isWordChar(code[i]) {
		i--
	}
	return code[i+1 : cursor]
}

// Suggest returns the first word matching the prefix under the cursor,
// case-insensitively, or "" when there is no prefix or no match.
func Suggest(code string, cursor int) string {
	prefix := Prefix(code, cursor)
	if prefix == "" {
		return ""
	}

	lower := strings.ToLower(prefix)
	for _, w := range allWords {
		if strings.HasPrefix(strings.ToLower(w), lower) {
			return w
		}
	}
	return ""
}
