package textproto

// Matcher finds a fixed multi-byte pattern using the Boyer-Moore-Horspool
// bad-character rule. A Matcher is read-only after construction and safe for
// concurrent use.
type Matcher struct {
	pattern []byte
	shift   [256]int
}

// NewMatcher builds the skip table for pattern. It panics on an empty pattern.
func NewMatcher(pattern []byte) *Matcher {
	if len(pattern) == 0 {
		panic("textproto: empty matcher pattern")
	}

	m := &Matcher{pattern: append([]byte(nil), pattern...)}
	last := len(pattern) - 1
	for i := range m.shift {
		m.shift[i] = len(pattern)
	}
	for i := 0; i < last; i++ {
		m.shift[pattern[i]] = last - i
	}
	return m
}

// Len returns the pattern length.
func (m *Matcher) Len() int {
	return len(m.pattern)
}

// Index returns the offset of the first occurrence of the pattern in b, or -1.
// A match never extends past len(b): a pattern prefix sitting at the tail of
// b is reported as no match.
func (m *Matcher) Index(b []byte) int {
	n := len(m.pattern)
	last := n - 1

	for i := 0; i+n <= len(b); {
		j := last
		for b[i+j] == m.pattern[j] {
			if j == 0 {
				return i
			}
			j--
		}
		i += m.shift[b[i+last]]
	}
	return -1
}
