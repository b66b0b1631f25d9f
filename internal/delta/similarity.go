// Package delta compares two design texts: a line-level similarity score and a section-level
// change summary.
package delta

import "strings"

// Similarity returns the longest-common-subsequence ratio between the normalized lines of a
// and b: 2*LCS / (len(a)+len(b)). It is symmetric, 1.0 for identical non-empty texts and 0 when
// either side has no content.
func Similarity(a, b string) float64 {
	return lineRatio(normalizeLines(a), normalizeLines(b))
}

func lineRatio(left, right []string) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}

	common := lcsLength(left, right)
	ratio := 2 * float64(common) / float64(len(left)+len(right))
	if ratio > 1 {
		return 1
	}
	return ratio
}

// normalizeLines drops blank lines and lower-cases and trims the rest.
func normalizeLines(value string) []string {
	raw := strings.Split(strings.ReplaceAll(value, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// lcsLength runs the classic dynamic program with two rolling rows.
func lcsLength(left, right []string) int {
	if len(left) < len(right) {
		left, right = right, left
	}

	previous := make([]int, len(right)+1)
	current := make([]int, len(right)+1)
	for i := 1; i <= len(left); i++ {
		for j := 1; j <= len(right); j++ {
			switch {
			case left[i-1] == right[j-1]:
				current[j] = previous[j-1] + 1
			case previous[j] >= current[j-1]:
				current[j] = previous[j]
			default:
				current[j] = current[j-1]
			}
		}
		previous, current = current, previous
	}
	return previous[len(right)]
}
