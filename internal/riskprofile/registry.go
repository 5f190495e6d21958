// Package riskprofile manages per-symbol protective-order templates loaded
// from a YAML file. The file is watched and hot-reloaded, so risk distances
// can be tuned without restarting the engine.
package riskprofile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"keel/internal/logger"
	"keel/internal/types"
)

// Template holds the numbers the exit guard needs to synthesize protective
// orders for one symbol.
type Template struct {
	Symbol         string  `mapstructure:"symbol" yaml:"symbol,omitempty"`
	RiskPct        float64 `mapstructure:"risk_pct" yaml:"risk_pct"`
	RewardMultiple float64 `mapstructure:"reward_multiple" yaml:"reward_multiple"`
	Quantity       float64 `mapstructure:"quantity" yaml:"quantity"`
	TickSize       float64 `mapstructure:"tick_size" yaml:"tick_size"`
	QuantityStep   float64 `mapstructure:"quantity_step" yaml:"quantity_step"`
}

// FileConfig maps the risk_profiles file.
type FileConfig struct {
	Default  Template            `mapstructure:"default" yaml:"default"`
	Profiles map[string]Template `mapstructure:"profiles" yaml:"profiles"`
}

// Snapshot is the published template set.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Default  Template
	Profiles map[string]Template
}

// ChangeListener fires after every successful reload.
type ChangeListener func(Snapshot)

type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// fileSchema rejects malformed profiles before they replace a working set.
const fileSchema = `{
  "type": "object",
  "properties": {
    "default": {"$ref": "#/$defs/profile"},
    "profiles": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/profile"}
    }
  },
  "$defs": {
    "profile": {
      "type": "object",
      "properties": {
        "symbol": {"type": "string"},
        "risk_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 0.5},
        "reward_multiple": {"type": "number", "exclusiveMinimum": 0},
        "quantity": {"type": "number", "minimum": 0},
        "tick_size": {"type": "number", "minimum": 0},
        "quantity_step": {"type": "number", "minimum": 0}
      },
      "additionalProperties": false
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("riskprofile.json", fileSchema)

// NewRegistry reads the profile file, writing a default one first if the
// path does not exist, and watches it for changes.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("risk profile registry requires path")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefaultFile(path); err != nil {
			return nil, err
		}
		logger.Infof("Risk profile file not found, wrote defaults to %s", path)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read risk profile config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("risk profile reload failed, keeping previous set: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// ProfileFor returns the template for a symbol, falling back to the default
// template with the symbol filled in.
func (r *Registry) ProfileFor(symbol string) Template {
	symbol = types.NormalizeSymbol(symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tpl, ok := r.snapshot.Profiles[symbol]; ok {
		return tpl
	}
	tpl := r.snapshot.Default
	tpl.Symbol = symbol
	return tpl
}

// Snapshot returns a copy of the current template set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// OnChange registers a listener called after each successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	cfg, err := readProfileFile(r.path)
	if err != nil {
		return err
	}
	profiles := make(map[string]Template, len(cfg.Profiles))
	for name, tpl := range cfg.Profiles {
		norm := normalizeTemplate(name, tpl)
		profiles[norm.Symbol] = norm
	}
	def := cfg.Default
	if def.RiskPct <= 0 {
		def.RiskPct = defaultTemplate.RiskPct
	}
	if def.RewardMultiple <= 0 {
		def.RewardMultiple = defaultTemplate.RewardMultiple
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Default:  def,
		Profiles: profiles,
	}
	r.mu.Unlock()
	logger.Infof("Risk profile registry loaded %d profiles from %s", len(profiles), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("risk profile listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func normalizeTemplate(name string, tpl Template) Template {
	tpl.Symbol = types.NormalizeSymbol(tpl.Symbol)
	if tpl.Symbol == "" {
		tpl.Symbol = types.NormalizeSymbol(name)
	}
	return tpl
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Default:  src.Default,
		Profiles: make(map[string]Template, len(src.Profiles)),
	}
	for sym, tpl := range src.Profiles {
		dst.Profiles[sym] = tpl
	}
	return dst
}

func readProfileFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read risk profile config failed: %w", err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return FileConfig{}, fmt.Errorf("parse risk profile config failed: %w", err)
	}
	if err := compiledSchema.Validate(normalizeForSchema(generic)); err != nil {
		return FileConfig{}, fmt.Errorf("risk profile config invalid: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse risk profile config failed: %w", err)
	}
	return cfg, nil
}

// normalizeForSchema rewrites yaml's map[string]any/int values into the
// shapes the schema validator expects.
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = normalizeForSchema(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalizeForSchema(child)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}

var defaultTemplate = Template{
	RiskPct:        0.01,
	RewardMultiple: 2,
	Quantity:       0,
	TickSize:       0,
	QuantityStep:   0,
}

// WriteDefaultFile bootstraps a profile file a new deployment can edit.
func WriteDefaultFile(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	cfg := FileConfig{
		Default: defaultTemplate,
		Profiles: map[string]Template{
			"BTCUSDT": {Symbol: "BTCUSDT", RiskPct: 0.008, RewardMultiple: 2, TickSize: 0.1, QuantityStep: 0.001},
			"ETHUSDT": {Symbol: "ETHUSDT", RiskPct: 0.01, RewardMultiple: 2, TickSize: 0.01, QuantityStep: 0.001},
		},
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
