package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	torncache "github.com/vidyar/tornado-memcache"
)

const (
	configDirName  = ".torncache-cli"
	configFileName = "config.json"
)

// storeModel is the on-disk shape of ~/.torncache-cli/config.json.
type storeModel struct {
	Current        string              `json:"current"`
	HistoryEnabled bool                `json:"historyEnabled"`
	Contexts       map[string]*Context `json:"contexts"`
}

// contextManager owns the persisted contexts plus one lazily built
// client pool per context. It is safe for the repl's concurrent use.
type contextManager struct {
	mu    sync.RWMutex
	path  string
	model storeModel

	// override comes from the --context flag and wins over model.Current
	// for the lifetime of one invocation, without being persisted.
	override string

	pools   map[string]*torncache.ClientPool
	history *historyManager
}

func getContextManager(cmd *cobra.Command) (*contextManager, error) {
	m, err := loadContextManager()
	if err != nil {
		return nil, err
	}
	if cmd != nil {
		m.override, _ = cmd.Flags().GetString("context")
	}
	return m, nil
}

func loadContextManager() (*contextManager, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	m := &contextManager{
		path: filepath.Join(dir, configFileName),
		model: storeModel{
			HistoryEnabled: true,
			Contexts:       make(map[string]*Context),
		},
		pools:   make(map[string]*torncache.ClientPool),
		history: newHistoryManager(dir),
	}

	raw, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		return m, nil
	case err != nil:
		return nil, errors.Wrap(err, "read config")
	}

	if err = json.Unmarshal(raw, &m.model); err != nil {
		return nil, errors.Wrapf(err, "parse %s", m.path)
	}
	if m.model.Contexts == nil {
		m.model.Contexts = make(map[string]*Context)
	}
	return m, nil
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate home directory")
	}
	dir := filepath.Join(home, configDirName)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}
	return dir, nil
}

// save must be called with m.mu held.
func (m *contextManager) save() error {
	raw, err := json.MarshalIndent(m.model, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err = os.WriteFile(m.path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", m.path)
	}
	return nil
}

func (m *contextManager) createContext(c *Context) error {
	if err := c.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.model.Contexts[c.Name]; ok {
		return errors.Errorf("context %s already exists", c.Name)
	}
	m.model.Contexts[c.Name] = c
	// adopt the first context automatically.
	if m.model.Current == "" {
		m.model.Current = c.Name
	}
	return m.save()
}

func (m *contextManager) useContext(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.model.Contexts[name]; !ok {
		return errors.Errorf("context %s not found", name)
	}
	m.model.Current = name
	return m.save()
}

func (m *contextManager) deleteContext(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.model.Contexts[name]; !ok {
		return errors.Errorf("context %s not found", name)
	}
	delete(m.model.Contexts, name)
	if m.model.Current == name {
		m.model.Current = ""
	}
	if pool, ok := m.pools[name]; ok {
		delete(m.pools, name)
		_ = pool.Close()
	}
	return m.save()
}

func (m *contextManager) setHistoryEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.model.HistoryEnabled = enabled
	return m.save()
}

// currentName resolves the context the next command should run against.
func (m *contextManager) currentName() string {
	if m.override != "" {
		return m.override
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model.Current
}

func (m *contextManager) contextByName(name string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.model.Contexts[name]
	if !ok {
		return nil, errors.Errorf("context %s not found", name)
	}
	return c, nil
}

func (m *contextManager) currentContext() (*Context, error) {
	name := m.currentName()
	if name == "" {
		return nil, errors.New("no current context, run `context create` first")
	}
	return m.contextByName(name)
}

func (m *contextManager) listContexts() []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Context, 0, len(m.model.Contexts))
	for _, c := range m.model.Contexts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// getPool returns the pool for the effective context, building and
// caching it on first use.
func (m *contextManager) getPool() (*torncache.ClientPool, error) {
	c, err := m.currentContext()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[c.Name]; ok {
		return pool, nil
	}
	pool, err := c.newPool()
	if err != nil {
		return nil, err
	}
	m.pools[c.Name] = pool
	return pool, nil
}

// record appends one line to the command history when enabled.
func (m *contextManager) record(line string) {
	m.mu.RLock()
	enabled := m.model.HistoryEnabled
	m.mu.RUnlock()

	if enabled && m.history != nil {
		m.history.addRecord(line)
	}
}

func (m *contextManager) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, pool := range m.pools {
		delete(m.pools, name)
		_ = pool.Close()
	}
	if m.history != nil {
		m.history.close()
	}
}
