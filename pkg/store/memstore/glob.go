package memstore

// Match reports whether key matches a Redis-style glob pattern: '*', '?',
// '[abc]', '[^abc]', '[a-z]' and backslash escapes, compared byte by byte.
// Unlike path.Match, '*' crosses '/'.
func Match(pattern, key string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if Match(pattern, key[i:]) {
					return true
				}
			}
			return false
		case '?':
			if key == "" {
				return false
			}
			key = key[1:]
			pattern = pattern[1:]
		case '[':
			if key == "" {
				return false
			}
			var ok bool
			ok, pattern = matchClass(pattern[1:], key[0])
			if !ok {
				return false
			}
			key = key[1:]
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if key == "" || key[0] != pattern[0] {
				return false
			}
			key = key[1:]
			pattern = pattern[1:]
		}
	}
	return key == ""
}

// matchClass matches c against the class body following '[' and returns
// the pattern after the closing ']'. An unterminated class ends at the end
// of the pattern.
func matchClass(pattern string, c byte) (bool, string) {
	negate := len(pattern) > 0 && pattern[0] == '^'
	if negate {
		pattern = pattern[1:]
	}

	matched := false
	for len(pattern) > 0 && pattern[0] != ']' {
		switch {
		case pattern[0] == '\\' && len(pattern) >= 2:
			if pattern[1] == c {
				matched = true
			}
			pattern = pattern[2:]
		case len(pattern) >= 3 && pattern[1] == '-':
			lo, hi := pattern[0], pattern[2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			pattern = pattern[3:]
		default:
			if pattern[0] == c {
				matched = true
			}
			pattern = pattern[1:]
		}
	}
	if len(pattern) > 0 {
		pattern = pattern[1:]
	}
	return matched != negate, pattern
}
