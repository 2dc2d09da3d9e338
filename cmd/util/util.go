// Package util holds small command-tree helpers shared by cmd/serve and
// any future subcommand, lifted from the teacher's cmd/util package.
package util

import "strings"

// Wrap is the column width help text is wrapped at.
const Wrap int = 60

// WrapString wraps text at Wrap characters, word by word, the same
// greedy line-fill algorithm as the teacher's cmd/util.WrapString.
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}
