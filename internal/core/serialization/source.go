package serialization

import (
	"bufio"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/zeusync/remoteserver/internal/core/errs"
)

const commentPrefix = "#"

// localPath resolves a whitelist or dry-run source to a filesystem path.
// Plain paths and file: URIs are accepted, every other scheme is refused.
func localPath(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", errs.Configuration("empty serialization filter source", nil)
	}
	scheme, rest, found := strings.Cut(source, ":")
	if !found || !isScheme(scheme) || isWindowsDrive(scheme) {
		return source, nil
	}
	if !strings.EqualFold(scheme, "file") {
		return "", errs.Configuration("serialization filter source scheme not allowed: "+scheme, nil)
	}
	if strings.HasPrefix(rest, "//") {
		u, err := url.Parse(source)
		if err != nil {
			return "", errs.Configuration("malformed serialization filter source", err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", errs.Configuration("serialization filter source is not local: "+u.Host, nil)
		}
		return u.Path, nil
	}
	return rest, nil
}

// isScheme reports whether text is a well-formed URI scheme.
func isScheme(text string) bool {
	for i, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return text != ""
}

func isWindowsDrive(scheme string) bool {
	return len(scheme) == 1 && (scheme[0] >= 'a' && scheme[0] <= 'z' || scheme[0] >= 'A' && scheme[0] <= 'Z')
}

// readEntries reads whitelist entries, skipping blank lines and comments.
func readEntries(r io.Reader) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func readEntriesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Configuration("unable to read serialization whitelist "+path, errs.IO("open", err))
	}
	defer func() { _ = f.Close() }()

	entries, err := readEntries(f)
	if err != nil {
		return nil, errs.Configuration("unable to read serialization whitelist "+path, errs.IO("read", err))
	}
	return entries, nil
}
