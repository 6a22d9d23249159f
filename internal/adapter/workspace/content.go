package workspace

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"coderelay/internal/domain"
)

// sniffLen is how much of a file is inspected for binary content.
const sniffLen = 8000

// FileContent is a file's current text.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Exists  bool   `json:"exists"`
}

// Resolve makes path absolute, interpreting relative paths against root.
func Resolve(root, path string) string {
	if path == "" {
		return root
	}
	if filepath.IsAbs(path) || root == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

// ReadContent returns the text of path. A missing file is not an error: the
// result has Exists false and empty content. Binary files are rejected.
func ReadContent(root, path string) (FileContent, error) {
	full := Resolve(root, path)
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return FileContent{Path: full}, nil
	}
	if err != nil {
		return FileContent{}, domain.NewDomainError("workspace.ReadContent", domain.ErrIOFailure, err.Error())
	}
	if IsBinary(data) {
		return FileContent{}, domain.NewDomainError("workspace.ReadContent", domain.ErrInvalidInput, "Cannot read binary file")
	}
	return FileContent{Path: full, Content: string(data), Exists: true}, nil
}

// IsBinary reports whether data looks like something other than text.
func IsBinary(data []byte) bool {
	if len(data) <= sniffLen {
		return bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data)
	}
	head := data[:sniffLen]
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	// A multi-byte rune may be cut at the sniff boundary.
	for cut := 0; cut < utf8.UTFMax; cut++ {
		if utf8.Valid(head[:len(head)-cut]) {
			return false
		}
	}
	return true
}
