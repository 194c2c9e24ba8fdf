package detection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadLabels reads a label file from path. See [ParseLabels].
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("detection: open labels %q: %w", path, err)
	}
	defer f.Close()
	return ParseLabels(f)
}

// ParseLabels reads a label file where each non-empty line has the form
// "<id>  <label>" (id and label separated by two spaces) and returns the
// labels in file order.
func ParseLabels(r io.Reader) ([]string, error) {
	var labels []string
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		_, label, ok := strings.Cut(text, "  ")
		if !ok {
			return nil, fmt.Errorf("detection: labels line %d: expected \"<id>  <label>\", got %q", line, text)
		}
		labels = append(labels, strings.TrimSpace(label))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("detection: read labels: %w", err)
	}
	return labels, nil
}

// FormatLabels joins labels into the ';'-terminated list accepted by the
// inference element's labels property.
func FormatLabels(labels []string) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(l)
		b.WriteByte(';')
	}
	return b.String()
}
