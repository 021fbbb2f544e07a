package mux

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

var keyNamespace = uuid.MustParse("5c3e8f0a-7a51-4c1b-9d2e-2f6f1f6b8a41")

// Key identifies a class of interchangeable worker processes.
// Proxies with equal Keys share a Multiplexer, Proxies with different Keys never do.
type Key struct {
	Mnemonic  string            `json:"mnemonic"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	Sandboxed bool              `json:"sandboxed"`
	// Protocol is the name of the protocol.Codec the worker speaks.
	Protocol string `json:"protocol"`
}

// ID is a name-based UUID derived from every field of the key.
func (k Key) ID() uuid.UUID {
	if len(k.Args) == 0 {
		k.Args = nil
	}
	if len(k.Env) == 0 {
		k.Env = nil
	}
	// encoding/json writes struct fields in order and map keys sorted, so this is canonical
	b, err := json.Marshal(k)
	if err != nil {
		panic(fmt.Sprintf("encoding worker key: %s", err))
	}
	return uuid.NewSHA1(keyNamespace, b)
}

func (k Key) String() string {
	name := k.Mnemonic
	if name == "" {
		name = filepath.Base(k.Command)
	}
	return fmt.Sprintf("%s/%s", name, k.ID().String()[:8])
}

func (k Key) environ() []string {
	env := make([]string, 0, len(k.Env))
	for name, val := range k.Env {
		env = append(env, name+"="+val)
	}
	sort.Strings(env)
	return env
}
