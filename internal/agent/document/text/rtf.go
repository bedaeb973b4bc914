package text

import (
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// groups whose content is never document text
var skipDestinations = map[string]bool{
	"fonttbl":      true,
	"colortbl":     true,
	"stylesheet":   true,
	"info":         true,
	"pict":         true,
	"object":       true,
	"header":       true,
	"footer":       true,
	"generator":    true,
	"listtable":    true,
	"themedata":    true,
	"latentstyles": true,
}

// StripRTF removes RTF control words and groups, keeping the visible text.
func StripRTF(src string) string {
	var (
		out      strings.Builder
		skipping []bool // per group depth
		skip     bool
		ucSkip   int
	)
	win := charmap.Windows1252.NewDecoder()

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '{':
			skipping = append(skipping, skip)
			// {\* ...} marks an ignorable destination
			if strings.HasPrefix(src[i+1:], `\*`) {
				skip = true
			}
		case '}':
			if n := len(skipping); n > 0 {
				skip = skipping[n-1]
				skipping = skipping[:n-1]
			}
		case '\\':
			if i+1 >= len(src) {
				continue
			}
			next := src[i+1]
			switch {
			case next == '\\' || next == '{' || next == '}':
				if !skip {
					out.WriteByte(next)
				}
				i++
			case next == '\'':
				if i+3 < len(src) {
					if v, err := strconv.ParseUint(src[i+2:i+4], 16, 8); err == nil && !skip && ucSkip == 0 {
						if b, err := win.Bytes([]byte{byte(v)}); err == nil {
							out.Write(b)
						}
					}
					if ucSkip > 0 {
						ucSkip--
					}
				}
				i += 3
			case isLetter(next):
				j := i + 1
				for j < len(src) && isLetter(src[j]) {
					j++
				}
				word := src[i+1 : j]
				k := j
				if k < len(src) && (src[k] == '-' || isDigit(src[k])) {
					k++
					for k < len(src) && isDigit(src[k]) {
						k++
					}
				}
				param := src[j:k]
				if k < len(src) && src[k] == ' ' {
					k++
				}
				i = k - 1

				if skipDestinations[word] {
					skip = true
					continue
				}
				if skip {
					continue
				}
				switch word {
				case "par", "line", "sect", "page":
					out.WriteByte('\n')
				case "tab", "cell":
					out.WriteByte('\t')
				case "row":
					out.WriteByte('\n')
				case "u":
					if n, err := strconv.Atoi(param); err == nil {
						if n < 0 {
							n += 65536
						}
						out.WriteRune(rune(n))
						ucSkip = 1
					}
				}
			default:
				// control symbols such as \~ or \-
				if next == '~' && !skip {
					out.WriteByte(' ')
				}
				i++
			}
		case '\r', '\n':
		default:
			if skip {
				continue
			}
			if ucSkip > 0 {
				ucSkip--
				continue
			}
			out.WriteByte(c)
		}
	}
	return strings.TrimSpace(out.String())
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
