package servers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

// envRef matches ${NAME} and ${NAME:-fallback}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Loader reads and parses servers.yaml.
type Loader struct {
	filePath  string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader for filePath. Secrets are expanded from the
// process environment.
func NewLoader(filePath string) *Loader {
	return &Loader{
		filePath:  filePath,
		lookupEnv: os.LookupEnv,
	}
}

// WithLookup replaces the environment lookup (tests).
func (l *Loader) WithLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Path returns the file the loader reads.
func (l *Loader) Path() string { return l.filePath }

// Load reads the file, expands ${VAR} references and decodes it. Unknown
// keys are rejected.
func (l *Loader) Load() (File, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return File{}, fmt.Errorf("failed to read servers file: %w", err)
	}

	data, err = l.expand(data)
	if err != nil {
		return File{}, err
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, &domain.ConfigError{Field: "servers", Err: errors.New("file is empty")}
		}
		return File{}, &domain.ConfigError{Field: "servers", Err: fmt.Errorf("failed to parse servers yaml: %w", err)}
	}

	return file, nil
}

// expand substitutes environment references. Unset variables without a
// fallback are a config error. Comment lines are left alone.
func (l *Loader) expand(data []byte) ([]byte, error) {
	missing := make(map[string]struct{})

	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("#")) {
			continue
		}
		lines[i] = envRef.ReplaceAllFunc(line, func(ref []byte) []byte {
			m := envRef.FindSubmatch(ref)
			name := string(m[1])
			if v, ok := l.lookupEnv(name); ok {
				return []byte(v)
			}
			if bytes.Contains(ref, []byte(":-")) {
				return m[2]
			}
			missing[name] = struct{}{}
			return ref
		})
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, domain.NewConfigError("", "environment", "unset variables: %s", strings.Join(names, ", "))
	}
	return bytes.Join(lines, []byte("\n")), nil
}
