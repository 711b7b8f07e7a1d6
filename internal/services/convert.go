package services

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ErrUnsupportedFile is returned for file types TextExtractor cannot read.
var ErrUnsupportedFile = errors.New("unsupported file type")

// Extracted is the plain text read from an uploaded document.
type Extracted struct {
	Text string `json:"convertedText"`
	// Type is "rtf" for rich text sources and "string" otherwise.
	Type string `json:"type"`
}

// TextExtractor reads plain text out of .txt, .rtf and .docx files.
type TextExtractor struct{}

// Extract reads r, the content of a file called name, picking the parser by extension.
func (TextExtractor) Extract(name string, r io.Reader) (Extracted, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Extracted{}, fmt.Errorf("error reading %s: %w", name, err)
	}

	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")); ext {
	case "txt":
		return Extracted{Text: string(data), Type: "string"}, nil
	case "rtf":
		return Extracted{Text: StripRTF(string(data)), Type: "rtf"}, nil
	case "docx":
		text, err := docxText(data)
		if err != nil {
			return Extracted{}, fmt.Errorf("error reading %s: %w", name, err)
		}
		return Extracted{Text: text, Type: "string"}, nil
	default:
		return Extracted{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}
}

// Destinations whose content is not document text.
var rtfSkipDestinations = map[string]bool{
	"fonttbl": true, "colortbl": true, "stylesheet": true, "info": true, "pict": true,
	"header": true, "footer": true, "headerl": true, "headerr": true, "footerl": true,
	"footerr": true, "listtable": true, "listoverridetable": true, "rsidtbl": true,
	"generator": true, "themedata": true, "colorschememapping": true, "latentstyles": true,
	"datastore": true, "xmlnstbl": true, "filetbl": true, "revtbl": true,
}

// StripRTF returns the text of an RTF document, dropping control words, groups that hold no document
// text, and formatting. \par and \line become newlines, \tab a tab.
func StripRTF(src string) string {
	var sb strings.Builder
	// uc is the number of fallback characters that follow a \u character, set by \ucN.
	type group struct {
		skip bool
		uc   int
	}
	stack := []group{{uc: 1}}
	skip := func() bool { return stack[len(stack)-1].skip }
	cp := charmap.Windows1252
	// Set when a group has just opened, so its first control word can mark it as a destination.
	groupStart := false

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '{':
			stack = append(stack, stack[len(stack)-1])
			groupStart = true
			i++
			continue
		case c == '}':
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			i++
		case c == '\\' && i+1 < len(src):
			i++
			next := src[i]
			switch {
			case next == '\\' || next == '{' || next == '}':
				if !skip() {
					sb.WriteByte(next)
				}
				i++
			case next == '*':
				if groupStart {
					stack[len(stack)-1].skip = true
				}
				i++
				continue
			case next == '\'':
				if i+2 < len(src) {
					if b, err := hex.DecodeString(src[i+1 : i+3]); err == nil && !skip() {
						sb.WriteRune(cp.DecodeByte(b[0]))
					}
				}
				i += 3
			case next == '\n' || next == '\r':
				if !skip() {
					sb.WriteByte('\n')
				}
				i++
			case isASCIILetter(next):
				start := i
				for i < len(src) && isASCIILetter(src[i]) {
					i++
				}
				word := src[start:i]
				paramStart := i
				if i < len(src) && src[i] == '-' {
					i++
				}
				for i < len(src) && src[i] >= '0' && src[i] <= '9' {
					i++
				}
				param := src[paramStart:i]
				if i < len(src) && src[i] == ' ' {
					i++
				}

				if groupStart && rtfSkipDestinations[word] {
					stack[len(stack)-1].skip = true
				}
				switch word {
				case "uc":
					if n, err := strconv.Atoi(param); err == nil && n >= 0 {
						stack[len(stack)-1].uc = n
					}
				case "ansicpg":
					if n, err := strconv.Atoi(param); err == nil && rtfCodePages[n] != nil {
						cp = rtfCodePages[n]
					}
				}
				if !skip() {
					switch word {
					case "par", "line":
						sb.WriteByte('\n')
					case "tab":
						sb.WriteByte('\t')
					case "u":
						if n, err := strconv.Atoi(param); err == nil {
							if n < 0 {
								n += 65536
							}
							sb.WriteRune(rune(n))
						}
						i = skipRTFFallback(src, i, stack[len(stack)-1].uc)
					}
				}
			default:
				i++
			}
		case c == '\n' || c == '\r':
			i++
		default:
			if !skip() {
				r, size := utf8.DecodeRuneInString(src[i:])
				sb.WriteRune(r)
				i += size
			} else {
				i++
			}
		}
		groupStart = false
	}
	return strings.TrimSpace(sb.String())
}

// skipRTFFallback skips the n characters written after a \u character for readers without Unicode
// support, starting at i. A \'xx escape counts as one character; a group boundary or another control
// word ends the fallback early.
func skipRTFFallback(src string, i, n int) int {
	for ; n > 0 && i < len(src); n-- {
		switch {
		case strings.HasPrefix(src[i:], "\\'"):
			i = min(i+4, len(src))
		case src[i] == '\\' || src[i] == '{' || src[i] == '}':
			return i
		default:
			_, size := utf8.DecodeRuneInString(src[i:])
			i += size
		}
	}
	return i
}

// rtfCodePages maps \ansicpgN to the decoder of \'xx escapes. Windows-1252 is the default.
var rtfCodePages = map[int]*charmap.Charmap{
	437:  charmap.CodePage437,
	850:  charmap.CodePage850,
	1250: charmap.Windows1250,
	1251: charmap.Windows1251,
	1252: charmap.Windows1252,
	1253: charmap.Windows1253,
	1254: charmap.Windows1254,
	1255: charmap.Windows1255,
	1256: charmap.Windows1256,
	1257: charmap.Windows1257,
	1258: charmap.Windows1258,
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// docxText returns the paragraphs of word/document.xml, one per line.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("error opening docx archive: %w", err)
	}
	f, err := zr.Open("word/document.xml")
	if err != nil {
		return "", fmt.Errorf("error opening document body: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	inText := false
	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("error decoding document body: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
