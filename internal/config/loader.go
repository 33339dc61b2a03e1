package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix   = "FORGE_"
	maxFileSize = 1 << 20
	systemDir   = "/etc/forge"
)

// Overridden in tests.
var userHomeDir = os.UserHomeDir

// Dir is the per-user configuration directory, ~/.config/forge.
func Dir() (string, error) {
	home, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "forge"), nil
}

// EnsureDir creates Dir with owner-only permissions.
func EnsureDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// Load reads Dir()/config.yaml and the environment.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile layers built-in defaults, the YAML file at path and FORGE_*
// environment variables, later layers winning. An empty path means
// Dir()/config.yaml. A missing file is fine; a present one must sit under
// Dir() or /etc/forge, be mode 0600 or 0400 and stay under 1MiB.
func LoadWithFile(path string) (*Config, error) {
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	path = ExpandHome(path)
	if err := checkLocation(path); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	raw, err := readSecure(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg := new(Config)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey turns FORGE_LLM_API_KEY into llm.api_key: the first underscore
// after the prefix is the section separator, the rest belong to the field.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, envPrefix))
	if section, field, ok := strings.Cut(key, "_"); ok {
		return section + "." + field
	}
	return key
}

// checkLocation rejects config files outside the trusted directories,
// following symlinks on both sides.
func checkLocation(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config path %q: %w", path, err)
	}
	dir, err := Dir()
	if err != nil {
		return err
	}
	target := resolve(abs)
	for _, root := range []string{dir, systemDir} {
		if strings.HasPrefix(target, resolve(root)+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config path %q: must be inside %s or %s", path, dir, systemDir)
}

func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

// readSecure checks mode and size on the opened descriptor so the file
// cannot be swapped between the check and the read.
func readSecure(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm != 0o600 && perm != 0o400 {
		return nil, fmt.Errorf("insecure config file permissions %v on %s: want 0600 or 0400", perm, path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, limit %d", path, info.Size(), maxFileSize)
	}
	raw, err := io.ReadAll(io.LimitReader(f, maxFileSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}
