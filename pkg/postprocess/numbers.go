package postprocess

import (
	"strconv"
	"strings"
	"unicode"
)

// numberWords maps a spoken number word to its numeric value, covering
// the words a whole-number dictation utterance plausibly emits.
var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
	"ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
	"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17,
	"eighteen": 18, "nineteen": 19, "twenty": 20, "thirty": 30,
	"forty": 40, "fifty": 50, "sixty": 60, "seventy": 70,
	"eighty": 80, "ninety": 90,
	"hundred":  100,
	"thousand": 1000,
	"million":  1000000,
}

func isNumberWord(w string) bool {
	_, ok := numberWords[strings.ToLower(w)]
	return ok
}

// numberMode names the two modes of the number-word conversion state
// machine.
type numberMode int

const (
	modeNormal numberMode = iota
	modeNumber
)

// maxBufferedWords caps the accumulation buffer.
const maxBufferedWords = 20

// NumberConverter implements the Normal/Number state machine that
// accumulates consecutive number words (plus the connectors "and" and
// "point") and converts them to a numeral, flushing on a non-number
// word. Past maxBufferedWords the oldest buffered words are dropped. It
// has no timer of its own: a fresh utterance gets a fresh converter (or
// calls Reset), and FlushPending surfaces whatever is still buffered at
// end-of-text so a caller-driven ~2s silence timeout or end-of-utterance
// can close it out.
type NumberConverter struct {
	mode   numberMode
	buf    []string
	bufSep string // separator that preceded the buffered run, preserved for the eventual flush
}

// NewNumberConverter creates a converter starting in Normal mode.
func NewNumberConverter() *NumberConverter {
	return &NumberConverter{}
}

// Reset clears accumulated state, e.g. after a ~2s silence timeout.
func (c *NumberConverter) Reset() {
	c.mode = modeNormal
	c.buf = nil
	c.bufSep = ""
}

func (c *NumberConverter) feedNumberWord(word, sep string) {
	if len(c.buf) == 0 {
		c.bufSep = sep
	}
	c.buf = append(c.buf, word)
	if len(c.buf) > maxBufferedWords {
		// Overflow: the buffer keeps only the most recent words; the
		// oldest ones are discarded and never emitted.
		c.buf = c.buf[len(c.buf)-maxBufferedWords:]
	}
}

// flush converts the buffered words to a numeral if possible, falling
// back to the verbatim words on failure, and clears the buffer. Returns the separator
// that preceded the run along with the text, or ("", "") if nothing was
// buffered.
func (c *NumberConverter) flush() (sep, text string) {
	if len(c.buf) == 0 {
		return "", ""
	}
	words := c.buf
	sep = c.bufSep
	c.buf = nil
	c.bufSep = ""
	c.mode = modeNormal

	if s, ok := convertWords(words); ok {
		return sep, s
	}
	return sep, strings.Join(words, " ")
}

// wordTok is one whitespace-delimited word plus the exact separator run
// that preceded it, so Convert can reconstruct spacing (including any
// line breaks introduced by SubstituteCommands) exactly rather than
// collapsing everything to single spaces.
type wordTok struct {
	sep, text string
}

func tokenizeWithSeps(text string) []wordTok {
	runes := []rune(text)
	var toks []wordTok
	i := 0
	for i < len(runes) {
		start := i
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		sep := string(runes[start:i])
		if i >= len(runes) {
			break
		}
		wstart := i
		for i < len(runes) && !unicode.IsSpace(runes[i]) {
			i++
		}
		toks = append(toks, wordTok{sep: sep, text: string(runes[wstart:i])})
	}
	return toks
}

// Convert runs the full Normal/Number state machine over text and
// returns the converted result, preserving the original separators
// (including embedded newlines from voice-command substitution) between
// any tokens it passes through unchanged.
func (c *NumberConverter) Convert(text string) string {
	toks := tokenizeWithSeps(text)
	var b strings.Builder

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		lower := strings.ToLower(tok.text)

		switch c.mode {
		case modeNormal:
			if isNumberWord(tok.text) {
				c.mode = modeNumber
				c.feedNumberWord(tok.text, tok.sep)
				continue
			}
			if lower == "point" && i+1 < len(toks) && isNumberWord(toks[i+1].text) {
				c.mode = modeNumber
				c.feedNumberWord(tok.text, tok.sep)
				continue
			}
			b.WriteString(tok.sep)
			b.WriteString(tok.text)

		case modeNumber:
			if isNumberWord(tok.text) || lower == "and" || lower == "point" {
				c.feedNumberWord(tok.text, tok.sep)
				continue
			}
			// Non-number word: flush the accumulated buffer, then
			// handle this token fresh in Normal mode.
			if sep, flushed := c.flush(); flushed != "" {
				b.WriteString(sep)
				b.WriteString(flushed)
			}
			i--
		}
	}

	return b.String()
}

// FlushPending converts and returns any buffer left pending at the end
// of Convert (end-of-utterance or the ~2s silence timeout), clearing
// state. The returned text already includes
// its leading separator, ready to append to Convert's output.
func (c *NumberConverter) FlushPending() string {
	sep, text := c.flush()
	if text == "" {
		return ""
	}
	return sep + text
}

// convertWords attempts to turn an accumulated run of number/connector
// words into a single numeral string. It handles a "whole point
// fractional" shape (e.g. "twenty five point five" -> "25.5") and a
// plain magnitude-combining whole-number shape (e.g. "twenty five" ->
// "25", "one hundred and five" -> "105"). Returns ok=false if the words
// don't form a recognizable number, in which case the caller falls back
// to verbatim text.
func convertWords(words []string) (string, bool) {
	// A single bare number word ("three") is too ambiguous with
	// ordinary speech to convert on its own; only a multi-word run
	// ("twenty five") or an explicit "point" fraction is unambiguous
	// enough to commit to a numeral.
	if len(words) < 2 {
		return "", false
	}

	// Split on the first "point" into a whole part and a fractional part.
	pointIdx := -1
	for i, w := range words {
		if strings.EqualFold(w, "point") {
			pointIdx = i
			break
		}
	}

	if pointIdx == -1 {
		n, ok := combineWhole(words)
		if !ok {
			return "", false
		}
		return strconv.Itoa(n), true
	}

	wholeWords := words[:pointIdx]
	fracWords := words[pointIdx+1:]

	var wholePart string
	if len(wholeWords) == 0 {
		wholePart = ""
	} else {
		n, ok := combineWhole(wholeWords)
		if !ok {
			return "", false
		}
		wholePart = strconv.Itoa(n)
	}

	if len(fracWords) == 0 {
		// "point" with nothing following yet: fall back to the
		// verbatim words.
		return "", false
	}

	var fracDigits strings.Builder
	for _, w := range fracWords {
		d, ok := numberWords[strings.ToLower(w)]
		if !ok || d > 9 {
			return "", false
		}
		fracDigits.WriteString(strconv.Itoa(d))
	}

	return wholePart + "." + fracDigits.String(), true
}

// combineWhole combines a run of whole-number words (with optional
// "and" connectors) using standard English number-name composition:
// units/teens/tens add, and a following "hundred"/"thousand"/"million"
// multiplies the accumulated magnitude.
func combineWhole(words []string) (int, bool) {
	total := 0
	current := 0
	sawAny := false

	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == "and" {
			continue
		}
		v, ok := numberWords[lower]
		if !ok {
			return 0, false
		}
		sawAny = true
		switch {
		case v == 100:
			if current == 0 {
				current = 1
			}
			current *= v
		case v == 1000 || v == 1000000:
			if current == 0 {
				current = 1
			}
			total += current * v
			current = 0
		default:
			current += v
		}
	}
	if !sawAny {
		return 0, false
	}
	return total + current, true
}
