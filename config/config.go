package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load will find all yaml files within path and load them in lexical order, later files override earlier ones
func (c *C) Load(path string) error {
	c.path = path
	c.files = make([]string, 0)

	err := c.resolve(path, true)
	if err != nil {
		return err
	}

	if len(c.files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(c.files)

	raw := make([][]byte, 0, len(c.files))
	for _, f := range c.files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}

	return c.parse(raw...)
}

// LoadString loads one or more raw yaml documents, merged in the order given
func (c *C) LoadString(raw ...string) error {
	if len(raw) == 0 || (len(raw) == 1 && raw[0] == "") {
		return errors.New("empty configuration")
	}

	b := make([][]byte, len(raw))
	for i, r := range raw {
		b[i] = []byte(r)
	}
	return c.parse(b...)
}

// RegisterReloadCallback stores a function to be called when a config reload is triggered. The function should use
// HasChanged to decide if it needs to act and must return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// HasChanged reports whether the yaml serialization of k differs between the current and the previous load.
// An empty k compares the entire config.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load every time the process receives SIGHUP, until ctx is done
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	c.notify()
}

func (c *C) ReloadConfigString(raw ...string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.LoadString(raw...); err != nil {
		return err
	}

	c.notify()
	return nil
}

func (c *C) snapshot() {
	c.oldSettings = make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		c.oldSettings[k] = v
	}
}

func (c *C) notify() {
	for _, v := range c.callbacks {
		v(c)
	}
}

// GetString will get the string for k or return the default d if not found
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	return getParsed(c, k, d, strconv.Atoi)
}

// GetSize will get the byte count for k or return the default d if not found or invalid. Sizes such as 4KiB, 16MiB
// and 1GiB are accepted.
func (c *C) GetSize(k string, d int64) int64 {
	return getParsed(c, k, d, ParseSize)
}

// GetBool will get the bool for k or return the default d if not found or invalid, yes/no and y/n are accepted
func (c *C) GetBool(k string, d bool) bool {
	return getParsed(c, k, d, parseBool)
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	return getParsed(c, k, d, time.ParseDuration)
}

func getParsed[T any](c *C, k string, d T, parse func(string) (T, error)) T {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, err := parse(fmt.Sprintf("%v", r))
	if err != nil {
		return d
	}
	return v
}

func parseBool(s string) (bool, error) {
	s = strings.ToLower(s)
	switch s {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) get(k string, v any) any {
	parts := strings.Split(k, ".")
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

// ParseSize parses a plain byte count or one suffixed with K, KiB, M, MiB, G or GiB (all powers of 1024)
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30},
		{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	} {
		if strings.HasSuffix(strings.ToLower(s), u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			break
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %d out of range", v)
	}
	return v * mult, nil
}

// resolve collects the yaml files under path. A file named directly is always used, files found while walking a
// directory need a .yml or .yaml extension. A missing path is not an error here, Load reports that no files were found.
func (c *C) resolve(path string, direct bool) error {
	i, err := os.Stat(path)
	if err != nil {
		return nil
	}

	if !i.IsDir() {
		if ext := filepath.Ext(path); !direct && ext != ".yaml" && ext != ".yml" {
			return nil
		}
		ap, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		c.files = append(c.files, ap)
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	for _, e := range entries {
		if err := c.resolve(filepath.Join(path, e.Name()), false); err != nil {
			return err
		}
	}
	return nil
}

// expandEnv replaces ${NAME} with the value of the environment variable NAME, unknown names are left untouched
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		if v, ok := os.LookupEnv(string(m[2 : len(m)-1])); ok {
			return []byte(v)
		}
		return m
	})
}

func (c *C) parse(docs ...[]byte) error {
	var m map[string]any

	for _, b := range docs {
		var nm map[string]any
		err := yaml.Unmarshal(expandEnv(b), &nm)
		if err != nil {
			return err
		}

		if nm == nil {
			nm = make(map[string]any)
		}

		// Later documents win, slices are appended
		err = mergo.Merge(&nm, m, mergo.WithAppendSlice)
		m = nm
		if err != nil {
			return err
		}
	}

	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}
