package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path, defaulting to
// secrets.env next to config.yaml. Blank lines and # comments are skipped,
// surrounding quotes are stripped, and a missing file is not an error.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(configDir(), "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil
	}
	defer f.Close()

	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out[strings.TrimSpace(k)] = v
	}
	if err := s.Err(); err != nil {
		return out, fmt.Errorf("read secrets: %w", err)
	}
	return out, nil
}
