package delivery

import "regexp"

var addressPattern = regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)

// Filter extracts every substring of text that looks like an email address,
// left to right and without deduplication. It never fails; text without a
// match yields an empty slice.
func Filter(text string) []string {
	matches := addressPattern.FindAllString(text, -1)
	if matches == nil {
		return []string{}
	}
	return matches
}
