package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when no provider knows the key.
var ErrNotFound = errors.New("credential not found")

// Provider defines the interface for credential providers
type Provider interface {
	GetCredential(key string) (string, error)
}

// EnvProvider retrieves credentials from environment variables. A key
// with a _FILE variant set (SYMBOLSEARCH_STORE_DSN_FILE) is read from that
// file, for mounted secrets.
type EnvProvider struct {
	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv, readFile: os.ReadFile}
}

func (p *EnvProvider) GetCredential(key string) (string, error) {
	if value, ok := p.lookup(key); ok && value != "" {
		return value, nil
	}
	if path, ok := p.lookup(key + "_FILE"); ok && path != "" {
		data, err := p.readFile(path)
		if err != nil {
			return "", fmt.Errorf("read credential file for %s: %w", key, err)
		}
		if value := strings.TrimSpace(string(data)); value != "" {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// StaticProvider for testing with hardcoded credentials
type StaticProvider struct {
	credentials map[string]string
}

func NewStaticProvider(creds map[string]string) *StaticProvider {
	return &StaticProvider{
		credentials: creds,
	}
}

func (p *StaticProvider) GetCredential(key string) (string, error) {
	value, ok := p.credentials[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, nil
}

// Chain asks each provider in turn. Lookup misses fall through; any other
// error stops the chain.
type Chain []Provider

func (c Chain) GetCredential(key string) (string, error) {
	for _, p := range c {
		value, err := p.GetCredential(key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}
