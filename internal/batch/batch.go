// Package batch partitions long Bcc lists into bounded chunks that are
// delivered one after another.
package batch

// ShouldSplit reports whether a list of n addresses is split when batch mode
// is enabled with the given chunk size.
func ShouldSplit(enabled bool, n, size int) bool {
	return enabled && size > 0 && n > size
}

// Split partitions addrs in order into chunks of size addresses; the last
// chunk may be shorter. A size below one yields a single chunk.
func Split(addrs []string, size int) [][]string {
	if len(addrs) == 0 {
		return nil
	}
	if size < 1 || size >= len(addrs) {
		return [][]string{append([]string(nil), addrs...)}
	}

	chunks := make([][]string, 0, (len(addrs)+size-1)/size)
	for start := 0; start < len(addrs); start += size {
		end := start + size
		if end > len(addrs) {
			end = len(addrs)
		}
		chunks = append(chunks, append([]string(nil), addrs[start:end]...))
	}
	return chunks
}
