package dispatch

const paddingBlock = 160

// padMessage appends a 0x80 terminator to m and zero-pads the result to a
// length satisfying len%160 == 159 (the terminator occupies the byte right
// after m; everything past it is zero). This scheme is server-compatible
// and must not change.
func padMessage(m []byte) []byte {
	// Smallest length of the form paddingBlock*k-1 that still leaves room
	// for m plus the terminator byte right after it.
	paddedLen := paddingBlock*((len(m)+paddingBlock+1)/paddingBlock) - 1
	padded := make([]byte, paddedLen)
	copy(padded, m)
	padded[len(m)] = 0x80
	return padded
}

// unpadMessage reverses padMessage, stripping the 0x80 terminator and the
// zero fill after it.
func unpadMessage(padded []byte) []byte {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x80:
			return padded[:i]
		case 0x00:
			continue
		default:
			return padded
		}
	}
	return nil
}
