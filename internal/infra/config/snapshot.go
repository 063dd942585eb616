package config

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// LoadRuntimeSnapshot reads a runtime snapshot written by SaveRuntimeSnapshot.
// A missing file yields an error matching os.ErrNotExist.
func LoadRuntimeSnapshot(path string) (RuntimeConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return RuntimeConfig{}, err
	}
	var cfg RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("decode runtime snapshot: %w", err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, fmt.Errorf("runtime snapshot: %w", err)
	}
	return cfg, nil
}

// SaveRuntimeSnapshot writes cfg as indented JSON, replacing the file atomically.
func SaveRuntimeSnapshot(path string, cfg RuntimeConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runtime snapshot: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(cleaned)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, cleaned); err != nil {
		return fmt.Errorf("replace %s: %w", cleaned, err)
	}
	return nil
}
