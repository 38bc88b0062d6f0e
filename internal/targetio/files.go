// Package targetio finds, reads and writes target files. Target files are
// JSON Lines: one target object per line.
package targetio

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DuplicateFileError reports the same file name found more than once under
// a root, which happens when a listing starts too low in a directory tree.
type DuplicateFileError struct {
	Root  string
	Names []string
}

func (e DuplicateFileError) Error() string {
	return fmt.Sprintf("duplicate target files (%s) beneath root directory %s", strings.Join(e.Names, ", "), e.Root)
}

// ListFiles returns the files under root whose base name starts with prefix
// and ends with ext, sorted. A root that is itself a file is returned when
// it matches. Symlinked directories are not followed.
func ListFiles(root, prefix, ext string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	match := func(name string) bool {
		return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext)
	}
	if !info.IsDir() {
		if match(filepath.Base(root)) {
			return []string{root}, nil
		}
		return nil, nil
	}
	var out []string
	seen := make(map[string]int)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !match(d.Name()) {
			return nil
		}
		seen[d.Name()]++
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var dups []string
	for name, n := range seen {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, DuplicateFileError{Root: root, Names: dups}
	}
	sort.Strings(out)
	return out, nil
}

var brickRe = regexp.MustCompile(`(\d{4,5}[pm]\d{3,4})`)

// BrickName extracts a brick name such as 0003p027 from a file name of the
// form <prefix>-0003p027<ext>.
func BrickName(path, prefix string) (string, error) {
	base := filepath.Base(path)
	rest, ok := strings.CutPrefix(base, prefix)
	if !ok {
		return "", fmt.Errorf("invalid brick file %s: missing prefix %q", path, prefix)
	}
	rest = strings.TrimLeft(rest, "-_")
	m := brickRe.FindStringSubmatch(rest)
	if m == nil || !strings.HasPrefix(rest, m[1]) {
		return "", fmt.Errorf("invalid brick file %s", path)
	}
	return m[1], nil
}
