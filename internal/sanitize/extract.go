package sanitize

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ExtractTXT is the identity extractor: TXT is read as-is, normalization
// happens downstream in normalizeText.
func ExtractTXT(raw []byte) (string, error) {
	return string(raw), nil
}

var (
	reStream   = regexp.MustCompile(`(?s)<<(.*?)>>\s*stream\r?\n(.*?)endstream`)
	reFlate    = regexp.MustCompile(`/Filter\s*/FlateDecode`)
	reTextOp   = regexp.MustCompile(`(?s)\((?:\\.|[^\\()])*\)\s*Tj|(?s)\[(?:\\.|[^\[\]])*\]\s*TJ`)
	reParen    = regexp.MustCompile(`(?s)\((?:\\.|[^\\()])*\)`)
	reBTET     = regexp.MustCompile(`(?s)BT(.*?)ET`)
)

// ExtractPDF is a deterministic, dependency-free walker of a PDF's object
// stream: it finds every stream object, inflates the ones declared
// /FlateDecode (PDF's near-universal content-stream filter), and pulls text
// out of the Tj/TJ show-text operators inside each BT...ET text block. It
// does not attempt font/encoding-aware decoding (no CMap, no Type0
// composite fonts): every byte in a show-text string is treated as Latin-1,
// which is correct for the simple fonts the ingest fixtures use and
// deliberately wrong (but safely so — garbled, not silently swapped) for
// anything else, since a garbled extraction still sanitizes conservatively.
func ExtractPDF(raw []byte) (string, error) {
	var out strings.Builder
	matches := reStream.FindAllSubmatch(raw, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("sanitize: pdf has no content streams")
	}
	for _, m := range matches {
		dict, body := m[1], m[2]
		content := body
		if reFlate.Match(dict) {
			inflated, err := inflate(body)
			if err != nil {
				continue // a single corrupt stream doesn't abort the whole extraction
			}
			content = inflated
		}
		out.WriteString(extractTextFromContentStream(content))
	}
	text := out.String()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("sanitize: pdf has no extractable text layer")
	}
	return text, nil
}

func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// extractTextFromContentStream finds every BT...ET text block and emits the
// literal contents of its Tj/TJ show-text operators, one block per line so
// downstream whitespace normalization can treat them as paragraph breaks.
func extractTextFromContentStream(content []byte) string {
	var out strings.Builder
	for _, block := range reBTET.FindAllSubmatch(content, -1) {
		var line strings.Builder
		for _, op := range reTextOp.FindAll(block[1], -1) {
			for _, lit := range reParen.FindAll(op, -1) {
				line.WriteString(unescapePDFString(lit))
			}
		}
		if line.Len() > 0 {
			out.WriteString(line.String())
			out.WriteByte('\n')
		}
	}
	return out.String()
}

// unescapePDFString strips the surrounding parens and resolves the PDF
// literal-string escapes (\n \r \t \\ \( \)) that appear in Tj/TJ operands.
func unescapePDFString(lit []byte) string {
	if len(lit) < 2 {
		return ""
	}
	inner := lit[1 : len(lit)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' && i+1 < len(inner) {
			i++
			switch inner[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '(', ')', '\\':
				b.WriteByte(inner[i])
			default:
				b.WriteByte(inner[i])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
