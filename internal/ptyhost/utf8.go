package ptyhost

import "unicode/utf8"

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte UTF-8 sequence, and a copy of the incomplete tail (at most
// utf8.UTFMax-1 bytes) to prepend to the next read. Invalid bytes are passed
// through and replaced by the string conversion at the consumer.
func splitUTF8(b []byte) (string, []byte) {
	cut := len(b)
	// Walk back over at most UTFMax-1 bytes looking for a rune start.
	for i := len(b) - 1; i >= 0 && i >= len(b)-(utf8.UTFMax-1); i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			cut = i
		}
		break
	}
	if cut == len(b) {
		return string(b), nil
	}
	rest := make([]byte, len(b)-cut)
	copy(rest, b[cut:])
	return string(b[:cut]), rest
}
