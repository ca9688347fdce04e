package extract

// Split cuts text into rune-windows of the given size with the given
// overlap between consecutive chunks. Whitespace-only chunks are
// dropped. Callers validate size > overlap >= 0 at configuration time.
func Split(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(runes)
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	step := size - overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])
		if !isBlank(chunk) {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
