// Package config loads the worker pool description used by the workermux binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/guseggert/workermux/internal/files"
	"github.com/guseggert/workermux/mux"
	"github.com/guseggert/workermux/protocol"
	"sigs.k8s.io/yaml"
)

const (
	DefaultFile       = "workermux.yaml"
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultLogDir     = "workermux-logs"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	// ListenAddr is where the agent serves HTTP.
	ListenAddr string `json:"listenAddr"`
	// LogDir holds the stderr logs of the worker processes.
	LogDir  string         `json:"logDir"`
	Workers []WorkerConfig `json:"workers"`
}

// WorkerConfig describes one kind of worker process. Workers with equal
// settings share a process even if their names differ. WorkDir is not part of
// that identity: it only applies when the process starts, so workers sharing a
// process must agree on it.
type WorkerConfig struct {
	Name      string            `json:"name"`
	Mnemonic  string            `json:"mnemonic"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	Protocol  string            `json:"protocol"`
	WorkDir   string            `json:"workDir"`
	Sandboxed bool              `json:"sandboxed"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Find loads the nearest DefaultFile in dir or one of its parents.
func Find(dir string) (*Config, error) {
	path, err := files.FindUp(DefaultFile, dir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Parse decodes a YAML or JSON config, fills in defaults and validates it.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	err := yaml.UnmarshalStrict(b, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	c.setDefaults()
	err = c.Validate()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Mnemonic == "" {
			w.Mnemonic = w.Name
		}
		if w.Protocol == "" {
			w.Protocol = protocol.Proto.Name()
		}
	}
}

func (c *Config) Validate() error {
	names := map[string]bool{}
	workDirs := map[uuid.UUID]WorkerConfig{}
	for i, w := range c.Workers {
		if w.Name == "" {
			return fmt.Errorf("%w: worker %d has no name", ErrInvalid, i)
		}
		if names[w.Name] {
			return fmt.Errorf("%w: duplicate worker %q", ErrInvalid, w.Name)
		}
		names[w.Name] = true
		if w.Command == "" {
			return fmt.Errorf("%w: worker %q has no command", ErrInvalid, w.Name)
		}
		if _, err := protocol.Lookup(w.Protocol); err != nil {
			return fmt.Errorf("%w: worker %q: %w", ErrInvalid, w.Name, err)
		}
		id := w.Key().ID()
		if other, ok := workDirs[id]; ok && other.WorkDir != w.WorkDir {
			return fmt.Errorf("%w: workers %q and %q share a process but have different workDirs", ErrInvalid, other.Name, w.Name)
		}
		workDirs[id] = w
	}
	return nil
}

// Worker returns the worker with the given name.
func (c *Config) Worker(name string) (WorkerConfig, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// Key is the identity under which processes of this worker are shared.
func (w WorkerConfig) Key() mux.Key {
	return mux.Key{
		Mnemonic:  w.Mnemonic,
		Command:   w.Command,
		Args:      w.Args,
		Env:       w.Env,
		Sandboxed: w.Sandboxed,
		Protocol:  w.Protocol,
	}
}

// LogFile is the stderr log of this worker's process under logDir.
func (w WorkerConfig) LogFile(logDir string) string {
	return filepath.Join(logDir, fmt.Sprintf("%s-%s.log", w.Mnemonic, w.Key().ID().String()[:8]))
}

// ProxyOptions returns the options for Proxies of this worker.
func (w WorkerConfig) ProxyOptions(logDir string) []mux.ProxyOption {
	return []mux.ProxyOption{mux.WithWorkDir(w.WorkDir), mux.WithLogFile(w.LogFile(logDir))}
}
