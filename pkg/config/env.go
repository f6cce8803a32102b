package config

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Name identifies an overridable setting
type Name string

const (
	// ForceProvider forces the backend provider id. Zero means not forced.
	ForceProvider Name = "FORCE_PROVIDER"

	// ManagerAPIBase is the manager metadata REST base URL
	ManagerAPIBase Name = "MANAGER_API_BASE"

	// BaseSocketURL is the relay websocket base URL
	BaseSocketURL Name = "BASE_SOCKET_URL"
)

var defaults = map[Name]string{
	ForceProvider:  "0",
	ManagerAPIBase: "https://manager.api.live.ledger.com/api",
	BaseSocketURL:  "wss://api.ledgerwallet.com/update",
}

// Env is the live settings store. It is shared by pointer: every Get sees the
// latest Set, so holders must read at use time rather than caching values.
type Env struct {
	values map[Name]string
	mutex  sync.RWMutex
}

// NewEnv creates a settings store initialized with defaults
func NewEnv() *Env {
	e := &Env{values: make(map[Name]string, len(defaults))}
	for k, v := range defaults {
		e.values[k] = v
	}
	return e
}

// Get returns the current value of a setting
func (e *Env) Get(name Name) string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.values[name]
}

// GetInt returns the current value of a numeric setting, or 0 if it does not parse
func (e *Env) GetInt(name Name) int {
	v, err := strconv.Atoi(e.Get(name))
	if err != nil {
		return 0
	}
	return v
}

// Set updates a setting
func (e *Env) Set(name Name, value string) error {
	if err := validate(name, value); err != nil {
		return err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.values[name] = value
	log.Debugf("Updated env %s=%s", name, value)
	return nil
}

// Apply sets several values at once. Nothing is applied if any value is invalid.
func (e *Env) Apply(values map[string]string) error {
	for k, v := range values {
		if err := validate(Name(k), v); err != nil {
			return err
		}
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	for k, v := range values {
		e.values[Name(k)] = v
	}
	return nil
}

// All returns a copy of all settings
func (e *Env) All() map[string]string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[string(k)] = v
	}
	return out
}

// Names returns the known setting names in sorted order
func Names() []Name {
	names := make([]Name, 0, len(defaults))
	for k := range defaults {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func validate(name Name, value string) error {
	if _, ok := defaults[name]; !ok {
		return fmt.Errorf("unknown setting: %s", name)
	}
	if name == ForceProvider {
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%s must be an integer: %q", name, value)
		}
	}
	return nil
}
