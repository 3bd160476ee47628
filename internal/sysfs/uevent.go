package sysfs

import "strings"

// Field extracts the value of a KEY=value line from uevent text. The key
// must start a line and be immediately followed by '='; the value runs to
// the next newline or the end of the text.
func Field(text, key string) (string, bool) {
	for len(text) > 0 {
		line := text
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			line = text[:i]
			text = text[i+1:]
		} else {
			text = ""
		}
		if len(line) > len(key) && line[len(key)] == '=' && line[:len(key)] == key {
			return line[len(key)+1:], true
		}
	}
	return "", false
}

// FieldEquals reports whether the uevent text contains key with exactly the
// given value. The whole value must match, not a prefix.
func FieldEquals(text, key, want string) bool {
	value, ok := Field(text, key)
	return ok && value == want
}
