package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v2"
)

// ErrInvalidSecret rejects a Runner whose shared secret does not match.
var ErrInvalidSecret = errors.New("auth: invalid runner secret")

// RunnerSecrets checks the shared secret a Runner presents on register.
// Entries are bcrypt hashes; a value without the bcrypt prefix is compared
// as plaintext, which keeps local development setups simple.
type RunnerSecrets struct {
	perRunner map[string]string
	fallback  string
}

// secretsFile is the YAML shape of the runner secrets file:
//
//	default: $2a$10$...
//	runners:
//	  runner-1: $2a$10$...
type secretsFile struct {
	Default string            `yaml:"default"`
	Runners map[string]string `yaml:"runners"`
}

// LoadRunnerSecrets reads a YAML secrets file.
func LoadRunnerSecrets(path string) (*RunnerSecrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var f secretsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	rs := &RunnerSecrets{perRunner: f.Runners, fallback: f.Default}
	if rs.perRunner == nil {
		rs.perRunner = make(map[string]string)
	}
	return rs, nil
}

// ParseRunnerSecrets reads the inline form used by the environment
// variable: "runner-1=secret,runner-2=secret". An entry without a "=" is
// the fallback secret for all runners.
func ParseRunnerSecrets(inline string) *RunnerSecrets {
	rs := &RunnerSecrets{perRunner: make(map[string]string)}
	for _, part := range strings.Split(inline, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, secret, ok := strings.Cut(part, "="); ok {
			rs.perRunner[id] = secret
		} else {
			rs.fallback = part
		}
	}
	return rs
}

// StaticRunnerSecret builds a checker with one shared fallback secret.
func StaticRunnerSecret(secret string) *RunnerSecrets {
	return &RunnerSecrets{perRunner: make(map[string]string), fallback: secret}
}

// Verify checks a Runner's presented secret. A Runner without a dedicated
// entry is checked against the fallback; no fallback means reject.
func (rs *RunnerSecrets) Verify(runnerID, secret string) error {
	want, ok := rs.perRunner[runnerID]
	if !ok {
		want = rs.fallback
	}
	if want == "" {
		return ErrInvalidSecret
	}
	if strings.HasPrefix(want, "$2a$") || strings.HasPrefix(want, "$2b$") || strings.HasPrefix(want, "$2y$") {
		if err := bcrypt.CompareHashAndPassword([]byte(want), []byte(secret)); err != nil {
			return ErrInvalidSecret
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(secret)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// Empty reports whether no secret is configured at all. The gateway
// refuses Runner registration outright in that state rather than running
// open.
func (rs *RunnerSecrets) Empty() bool {
	return len(rs.perRunner) == 0 && rs.fallback == ""
}
