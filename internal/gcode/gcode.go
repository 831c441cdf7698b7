// Package gcode holds the small amount of G-code lexing shared by the arc
// converter and the streamer: comment handling and word tokenizing.
package gcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Word is one letter/number pair of a G-code block, e.g. "G1" or "X-10.5".
type Word struct {
	Letter byte    // upper-case address letter
	Value  float64 // parsed number
	Raw    string  // letter plus number exactly as written (letter upper-cased)
}

func (w Word) String() string { return w.Raw }

// Is reports whether the word has the given letter and numeric code.
// Decimal codes such as G90.1 compare with a small tolerance.
func (w Word) Is(letter byte, code float64) bool {
	return w.Letter == letter && math.Abs(w.Value-code) < 1e-3
}

// Split separates the executable part of a line from its comments.
// Parenthesised comments are removed wherever they appear, a ';' comment
// runs to the end of the line, and an unterminated '(' also runs to the end.
// The returned comment keeps the original delimiters so it can be re-emitted.
func Split(line string) (code, comment string) {
	var codeB, commentB strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch c {
		case ';':
			commentB.WriteString(line[i:])
			return strings.TrimSpace(codeB.String()), strings.TrimSpace(commentB.String())
		case '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				commentB.WriteString(line[i:])
				return strings.TrimSpace(codeB.String()), strings.TrimSpace(commentB.String())
			}
			commentB.WriteString(line[i : i+end+1])
			i += end
		default:
			codeB.WriteByte(c)
		}
	}
	return strings.TrimSpace(codeB.String()), strings.TrimSpace(commentB.String())
}

// Clean returns the line with comments and surrounding whitespace removed.
// Blank and comment-only lines clean to "".
func Clean(line string) string {
	code, _ := Split(line)
	return code
}

// IsSystem reports whether a cleaned line is a controller system command
// ($H, $X, $J=...) or a program delimiter rather than a G-code block.
func IsSystem(code string) bool {
	return strings.HasPrefix(code, "$") || strings.HasPrefix(code, "%")
}

// Tokenize splits comment-free G-code into words. Whitespace between and
// inside words is ignored, as the controller does.
func Tokenize(code string) ([]Word, error) {
	var words []Word
	i := 0
	for i < len(code) {
		c := code[i]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			i++
			continue
		}
		if !isLetter(c) {
			return nil, fmt.Errorf("gcode: unexpected %q at column %d", c, i+1)
		}
		letter := upper(c)
		i++

		var num strings.Builder
		for i < len(code) {
			d := code[i]
			if d == ' ' || d == '\t' {
				i++
				continue
			}
			if (d >= '0' && d <= '9') || d == '.' || d == '+' || d == '-' {
				num.WriteByte(d)
				i++
				continue
			}
			break
		}
		text := num.String()
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("gcode: bad number %q for word %c", text, letter)
		}
		words = append(words, Word{Letter: letter, Value: v, Raw: string(letter) + text})
	}
	return words, nil
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
