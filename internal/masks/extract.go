package masks

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/xml"
)

// ErrNoPath is returned when an SVG document holds no <path> with a non-empty d attribute.
var ErrNoPath = errors.New("masks: document has no path")

// ExtractPath returns the d attribute of the first <path> element in an SVG document.
func ExtractPath(r io.Reader) (string, error) {
	lexer := xml.NewLexer(parse.NewInput(r))
	inPath := false
	for {
		tt, _ := lexer.Next()
		switch tt {
		case xml.ErrorToken:
			if err := lexer.Err(); err != nil && !errors.Is(err, io.EOF) {
				return "", err
			}
			return "", ErrNoPath
		case xml.StartTagToken:
			inPath = isPathTag(lexer.Text())
		case xml.StartTagCloseToken, xml.StartTagCloseVoidToken:
			inPath = false
		case xml.AttributeToken:
			if !inPath || !bytes.EqualFold(lexer.Text(), []byte("d")) {
				continue
			}
			if d := strings.TrimSpace(string(unquote(lexer.AttrVal()))); d != "" {
				return d, nil
			}
		}
	}
}

// isPathTag matches path and namespaced forms such as svg:path.
func isPathTag(name []byte) bool {
	if i := bytes.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return bytes.EqualFold(name, []byte("path"))
}

func unquote(val []byte) []byte {
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		return val[1 : len(val)-1]
	}
	return val
}
