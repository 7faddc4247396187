package services

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// rewriteImageRefs points every inline image whose destination is exactly a key of targets at
// "<stem>/<targets[dest]>". Only the destination bytes change; plain text that merely contains an ID
// is never touched.
func rewriteImageRefs(markdown, stem string, targets map[string]string) string {
	if len(targets) == 0 {
		return markdown
	}
	var b strings.Builder
	last := 0
	for i := 0; i < len(markdown); {
		destStart, destEnd, end, ok := scanInlineImage(markdown, i)
		if !ok {
			i++
			continue
		}
		if name, found := targets[markdown[destStart:destEnd]]; found {
			b.WriteString(markdown[last:destStart])
			b.WriteString(stem + "/" + name)
			last = destEnd
		}
		i = end
	}
	if last == 0 {
		return markdown
	}
	b.WriteString(markdown[last:])
	return b.String()
}

// scanInlineImage parses an inline image "![alt](dest "title")" starting at s[i]. It returns the byte
// range of the destination (without angle brackets) and the offset just past the closing parenthesis.
// Alt text may hold balanced brackets; titles may be quoted with ", ' or parentheses.
func scanInlineImage(s string, i int) (destStart, destEnd, end int, ok bool) {
	if !strings.HasPrefix(s[i:], "![") {
		return 0, 0, 0, false
	}

	j, depth := i+2, 1
	for ; j < len(s) && depth > 0; j++ {
		switch s[j] {
		case '\\':
			j++
		case '[':
			depth++
		case ']':
			depth--
		}
	}
	if depth != 0 || j >= len(s) || s[j] != '(' {
		return 0, 0, 0, false
	}
	j = skipLinkSpace(s, j+1)
	if j >= len(s) {
		return 0, 0, 0, false
	}

	if s[j] == '<' {
		closing := strings.IndexAny(s[j+1:], "<>\n")
		if closing < 0 || s[j+1+closing] != '>' {
			return 0, 0, 0, false
		}
		destStart, destEnd = j+1, j+1+closing
		j = destEnd + 1
	} else {
		destStart = j
		for parens := 0; j < len(s); j++ {
			c := s[j]
			if c == '\\' {
				j++
				continue
			}
			if c <= ' ' || (c == ')' && parens == 0) {
				break
			}
			if c == '(' {
				parens++
			} else if c == ')' {
				parens--
			}
		}
		destEnd = min(j, len(s))
		if destEnd == destStart {
			return 0, 0, 0, false
		}
	}

	afterDest := j
	j = skipLinkSpace(s, j)
	if j < len(s) && j > afterDest && (s[j] == '"' || s[j] == '\'' || s[j] == '(') {
		closer := s[j]
		if closer == '(' {
			closer = ')'
		}
		for j++; j < len(s) && s[j] != closer; j++ {
			if s[j] == '\\' {
				j++
			}
		}
		if j >= len(s) {
			return 0, 0, 0, false
		}
		j = skipLinkSpace(s, j+1)
	}
	if j >= len(s) || s[j] != ')' {
		return 0, 0, 0, false
	}
	return destStart, destEnd, j + 1, true
}

func skipLinkSpace(s string, j int) int {
	for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n') {
		j++
	}
	return j
}

// ImageReferences returns the destination of every image in markdown, in document order.
func ImageReferences(markdown []byte) []string {
	doc := goldmark.New().Parser().Parse(text.NewReader(markdown))
	var refs []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := n.(*ast.Image); ok {
			refs = append(refs, string(img.Destination))
		}
		return ast.WalkContinue, nil
	})
	return refs
}

// missingLocalImages lists image references in markdown that point at local files absent under dir.
// Remote URLs and data URIs are ignored.
func missingLocalImages(dir string, markdown []byte) []string {
	var missing []string
	for _, ref := range ImageReferences(markdown) {
		if ref == "" || strings.Contains(ref, "://") || strings.HasPrefix(ref, "data:") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(ref))); err != nil {
			missing = append(missing, ref)
		}
	}
	return missing
}

// decodeImageData decodes a base64 payload, stripping a data URI prefix such as "data:image/png;base64,".
func decodeImageData(data string) ([]byte, error) {
	if _, payload, ok := strings.Cut(data, ","); ok {
		data = payload
	}
	data = strings.TrimSpace(data)
	b, err := base64.StdEncoding.DecodeString(data)
	if err == nil {
		return b, nil
	}
	// Some encoders drop the padding.
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("failed to decode base64 image: %w", err)
}

// validImageID reports whether id can be used as a file name inside a document's image folder.
func validImageID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// imageFileName returns the name an image is stored under inside the document's folder. IDs that are
// not plain file names get their separators replaced so a reference to them can never leave the folder.
func imageFileName(id string) string {
	if validImageID(id) {
		return id
	}
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, id)
	if name == "." || name == ".." {
		name = strings.Repeat("_", len(name))
	}
	return name
}
