package config

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

// LoadDotEnv loads environment variables from .env-like files.
// Existing process environment variables keep precedence, and later files
// never override keys set by earlier ones.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		entries, err := readDotEnv(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if _, exists := os.LookupEnv(entry.key); exists {
				continue
			}
			_ = os.Setenv(entry.key, entry.value)
		}
	}
	return nil
}

type dotEnvEntry struct {
	key   string
	value string
}

func readDotEnv(path string) ([]dotEnvEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := make([]dotEnvEntry, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		entries = append(entries, dotEnvEntry{key: key, value: dotEnvValue(raw)})
	}
	return entries, scanner.Err()
}

// dotEnvValue unquotes a raw value. Single-quoted values are literal; double
// quoted and bare values expand ${VAR} references against the environment.
func dotEnvValue(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	if len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'' {
		return value[1 : len(value)-1]
	}
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		unescaped := strings.NewReplacer(
			`\\`, `\`,
			`\n`, "\n",
			`\t`, "\t",
			`\"`, `"`,
		).Replace(value[1 : len(value)-1])
		return os.ExpandEnv(unescaped)
	}

	if index := strings.Index(value, " #"); index >= 0 {
		value = strings.TrimSpace(value[:index])
	}
	return os.ExpandEnv(value)
}
