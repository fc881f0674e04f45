package extract

import (
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// textSpan is a token-bounded run of sentences from one artifact. Start and
// End index into the sentence sequence of the source text.
type textSpan struct {
	start int
	end   int
	text  string
}

// transformIntoSpans splits text into sentences and packs consecutive
// sentences into spans of at most maxTokens tokens.
func transformIntoSpans(
	text string,
	encoder string,
	maxTokens int,
) ([]textSpan, error) {
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, err
	}

	sentences := splitIntoSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	var spans []textSpan
	spanStart := -1
	spanEnd := -1

	flushSpan := func() {
		if spanStart < 0 || spanEnd <= spanStart {
			return
		}

		var spanText strings.Builder
		for i := spanStart; i < spanEnd; i++ {
			if i > spanStart {
				spanText.WriteString(" ")
			}
			spanText.WriteString(sentences[i])
		}

		spans = append(spans, textSpan{
			start: spanStart,
			end:   spanEnd,
			text:  strings.TrimSpace(spanText.String()),
		})
		spanStart = -1
		spanEnd = -1
	}

	for i := range sentences {
		if spanStart < 0 {
			spanStart = i
			spanEnd = i + 1
			continue
		}

		var testText strings.Builder
		for j := spanStart; j <= i; j++ {
			if j > spanStart {
				testText.WriteString(" ")
			}
			testText.WriteString(sentences[j])
		}

		testTokens := len(enc.Encode(testText.String(), nil, nil))

		if testTokens <= maxTokens {
			spanEnd = i + 1
		} else {
			flushSpan()
			spanStart = i
			spanEnd = i + 1
		}
	}

	flushSpan()

	return spans, nil
}

func splitIntoSentences(text string) []string {
	lines := strings.Split(text, "\n")
	var sentences []string
	var currentSentence strings.Builder

	flush := func() {
		if currentSentence.Len() > 0 {
			sentences = append(sentences, strings.TrimSpace(currentSentence.String()))
			currentSentence.Reset()
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			flush()
			continue
		}

		// Bullet lines carry one statement each in resumes and notes.
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") ||
			strings.HasPrefix(trimmed, "•") {
			flush()
			sentences = append(sentences, strings.TrimLeft(trimmed, "-*• \t"))
			continue
		}

		lineSentences := splitLineIntoSentences(trimmed)
		for _, sentence := range lineSentences {
			if currentSentence.Len() > 0 {
				currentSentence.WriteString(" ")
			}
			currentSentence.WriteString(sentence)

			if strings.HasSuffix(strings.TrimSpace(sentence), ".") ||
				strings.HasSuffix(strings.TrimSpace(sentence), "!") ||
				strings.HasSuffix(strings.TrimSpace(sentence), "?") {
				flush()
			}
		}
	}

	flush()

	var result []string
	for _, sentence := range sentences {
		if strings.TrimSpace(sentence) != "" {
			result = append(result, sentence)
		}
	}

	return result
}

func splitLineIntoSentences(line string) []string {
	var sentences []string
	var current strings.Builder

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])

		if line[i] == '.' || line[i] == '!' || line[i] == '?' {
			isNumericListing := false

			if i > 0 && unicode.IsDigit(rune(line[i-1])) {
				if i+1 < len(line) && line[i+1] == ' ' {
					isNumericListing = true
				}
			}

			if isNumericListing {
				continue
			}
			j := i + 1
			for j < len(line) && (line[j] == '.' || line[j] == '!' || line[j] == '?') {
				current.WriteByte(line[j])
				j++
			}

			for j < len(line) && (line[j] == '"' || line[j] == '\'' || line[j] == ')' ||
				line[j] == ']' || line[j] == '}') {
				current.WriteByte(line[j])
				j++
			}

			sentence := strings.TrimSpace(current.String())
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			current.Reset()
			i = j - 1
		}
	}

	remaining := strings.TrimSpace(current.String())
	if remaining != "" {
		sentences = append(sentences, remaining)
	}

	return sentences
}
