package storage

import (
	"fmt"
	"path"
	"strings"
)

const maxSegmentLen = 255

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func checkSegment(seg string) error {
	if seg == "." || seg == ".." {
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
	}
	if len(seg) > maxSegmentLen {
		return fmt.Errorf("%w: segment longer than %d bytes", ErrInvalidPath, maxSegmentLen)
	}
	for _, r := range seg {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return fmt.Errorf("%w: disallowed character %q", ErrInvalidPath, r)
		}
	}
	base := strings.ToUpper(seg)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedNames[base] {
		return fmt.Errorf("%w: reserved name %q", ErrInvalidPath, seg)
	}
	if strings.TrimRight(seg, ". ") == "" {
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
	}
	return nil
}

func splitSegments(p string) ([]string, error) {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if err := checkSegment(seg); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// CleanKey validates a backend-relative path and returns it without a
// leading slash. Traversal segments and reserved names are rejected rather
// than resolved.
func CleanKey(p string) (string, error) {
	segs, err := splitSegments(p)
	if err != nil {
		return "", err
	}
	if len(segs) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return strings.Join(segs, "/"), nil
}

// CleanPrefix is CleanKey that also accepts the empty prefix.
func CleanPrefix(p string) (string, error) {
	segs, err := splitSegments(p)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/"), nil
}

// CleanLogical normalizes a user's logical path to the "/A/B" form. The root
// folder is "/".
func CleanLogical(p string) (string, error) {
	segs, err := splitSegments(p)
	if err != nil {
		return "", err
	}
	return "/" + strings.Join(segs, "/"), nil
}

// JoinKey joins backend-relative path parts, skipping empty ones.
func JoinKey(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}
