package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"gopkg.in/yaml.v3"

	"github.com/stratboard/stratboard/internal/client"
	"github.com/stratboard/stratboard/internal/daemon"
	"github.com/stratboard/stratboard/internal/engine"
)

// newClient builds an HTTP client from the loaded config.
func newClient() (*client.Client, error) {
	return client.New(&client.Config{
		BaseURL:    cfg.Client.BaseURL,
		Token:      cfg.Client.Token,
		Timeout:    cfg.Client.Timeout,
		MaxRetries: client.DefaultConfig().MaxRetries,
		BaseDelay:  client.DefaultConfig().BaseDelay,
		MaxDelay:   client.DefaultConfig().MaxDelay,
		Logger:     logs.Logger("client"),
	})
}

// newEngine builds an engine for the configured scope. It does not start the
// push subscription; callers either Run it or Resync once.
func newEngine() (*engine.Engine, error) {
	c, err := newClient()
	if err != nil {
		return nil, err
	}
	ecfg := engine.DefaultConfig()
	ecfg.Scope = cfg.Client.Scope
	ecfg.Retryer = cfg.Retryer()
	ecfg.Logger = logs.Logger("engine")
	return engine.New(c, ecfg)
}

// loadEngine returns an engine holding a fresh copy of the scope.
func loadEngine(ctx context.Context) (*engine.Engine, error) {
	e, err := newEngine()
	if err != nil {
		return nil, err
	}
	if err := e.Resync(ctx); err != nil {
		return nil, fmt.Errorf("failed to load tasks from %s: %w", cfg.Client.BaseURL, err)
	}
	return e, nil
}

// resolveID accepts a full id or an unambiguous prefix of one.
func resolveID(e *engine.Engine, arg string) (string, error) {
	if _, ok := e.Get(arg); ok {
		return arg, nil
	}
	var matches []string
	for _, t := range e.All() {
		if strings.HasPrefix(t.ID, arg) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no task matches %q in scope %s", arg, e.Scope())
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%q is ambiguous (%d tasks match)", arg, len(matches))
}

// parseDue accepts natural language ("tomorrow 5pm", "next friday") as well
// as RFC 3339 timestamps and plain dates.
func parseDue(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return t.UTC(), nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand due date %q", text)
	}
	return r.Time.UTC(), nil
}

// writeTasks renders tasks as json or yaml. YAML keys match the JSON wire
// names.
func writeTasks(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q (use table, json or yaml)", format)
}

// acquireServerLock takes the lock that keeps one writer per data directory.
// It sits next to the inbox directory.
func acquireServerLock() (*daemon.Lock, string, error) {
	path := filepath.Join(filepath.Dir(filepath.Clean(cfg.Server.InboxDir)), "sb.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, path, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	lock, err := daemon.AcquireLock(path)
	return lock, path, err
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// compile-time check that the client satisfies the engine transport.
var _ engine.Transport = (*client.Client)(nil)
