package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"github.com/spf13/viper"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed map, mostly for tests and embedding.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

const envPrefix = "DEADLINES"

// ViperConfigLoader reads an optional config file and DEADLINES_* env vars.
type ViperConfigLoader struct {
	Path   string
	Prefix string
}

func NewViperConfigLoader(path string) *ViperConfigLoader {
	return &ViperConfigLoader{Path: strings.TrimSpace(path), Prefix: envPrefix}
}

func (l *ViperConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	v := viper.New()
	prefix := envPrefix
	if l != nil && strings.TrimSpace(l.Prefix) != "" {
		prefix = strings.TrimSpace(l.Prefix)
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// typed samples drive both env binding and value coercion
	samples := flattenValues("", configToLayerMap(DefaultConfig(), true))
	for key := range samples {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("core: bind env %s: %w", key, err)
		}
	}

	if l != nil && l.Path != "" {
		if _, err := os.Stat(l.Path); err != nil {
			return nil, fmt.Errorf("core: config file %s: %w", l.Path, err)
		}
		v.SetConfigFile(l.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("core: read config %s: %w", l.Path, err)
		}
	}

	raw := map[string]any{}
	for key, sample := range samples {
		if !v.IsSet(key) {
			continue
		}
		switch sample.(type) {
		case bool:
			setPath(raw, key, v.GetBool(key))
		case int:
			setPath(raw, key, v.GetInt(key))
		default:
			setPath(raw, key, v.GetString(key))
		}
	}
	return raw, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, true),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig resolves defaults, the loader output and runtime overrides.
func LoadConfig(ctx context.Context, loader RawConfigLoader, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	loaded, err := NewCfgxConfigProvider(loader).Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)
	putString(layer, "app_url", cfg.AppURL, includeZero)
	putString(layer, "timezone", cfg.Timezone, includeZero)

	httpLayer := map[string]any{}
	putString(httpLayer, "addr", cfg.HTTP.Addr, includeZero)
	putInt(httpLayer, "max_body_bytes", int(cfg.HTTP.MaxBodyBytes), includeZero)
	putSection(layer, "http", httpLayer)

	db := map[string]any{}
	putString(db, "driver", cfg.Database.Driver, includeZero)
	putString(db, "dsn", cfg.Database.DSN, includeZero)
	putBool(db, "debug", cfg.Database.Debug, includeZero)
	putSection(layer, "database", db)

	tel := map[string]any{}
	putBool(tel, "enabled", cfg.Telephony.Enabled, includeZero)
	putString(tel, "account_sid", cfg.Telephony.AccountSID, includeZero)
	putString(tel, "auth_token", cfg.Telephony.AuthToken, includeZero)
	putString(tel, "from_number", cfg.Telephony.FromNumber, includeZero)
	putString(tel, "flow_sid", cfg.Telephony.FlowSID, includeZero)
	putString(tel, "api_base_url", cfg.Telephony.APIBaseURL, includeZero)
	putString(tel, "studio_base_url", cfg.Telephony.StudioBaseURL, includeZero)
	putString(tel, "call_timeout", cfg.Telephony.CallTimeout, includeZero)
	putString(tel, "inter_call_delay", cfg.Telephony.InterCallDelay, includeZero)
	putInt(tel, "ring_time", cfg.Telephony.RingTime, includeZero)
	putInt(tel, "answer_timeout", cfg.Telephony.AnswerTimeout, includeZero)
	putString(tel, "machine_detection", cfg.Telephony.MachineDetection, includeZero)
	putSection(layer, "telephony", tel)

	mail := map[string]any{}
	putBool(mail, "enabled", cfg.Email.Enabled, includeZero)
	putString(mail, "host", cfg.Email.Host, includeZero)
	putInt(mail, "port", cfg.Email.Port, includeZero)
	putString(mail, "username", cfg.Email.Username, includeZero)
	putString(mail, "password", cfg.Email.Password, includeZero)
	putString(mail, "from_address", cfg.Email.FromAddress, includeZero)
	putString(mail, "from_name", cfg.Email.FromName, includeZero)
	putSection(layer, "email", mail)

	hooks := map[string]any{}
	putBool(hooks, "validate_signature", cfg.Webhooks.ValidateSignature, includeZero)
	putString(hooks, "public_base_url", cfg.Webhooks.PublicBaseURL, includeZero)
	putInt(hooks, "workers", cfg.Webhooks.Workers, includeZero)
	putInt(hooks, "queue_size", cfg.Webhooks.QueueSize, includeZero)
	putString(hooks, "claim_ttl", cfg.Webhooks.ClaimTTL, includeZero)
	putInt(hooks, "max_attempts", cfg.Webhooks.MaxAttempts, includeZero)
	putSection(layer, "webhooks", hooks)

	callLog := map[string]any{}
	putInt(callLog, "capacity", cfg.CallLog.Capacity, includeZero)
	putString(callLog, "recent_window", cfg.CallLog.RecentWindow, includeZero)
	putSection(layer, "call_log", callLog)

	scan := map[string]any{}
	putBool(scan, "enabled", cfg.Scanner.Enabled, includeZero)
	putString(scan, "schedule", cfg.Scanner.Schedule, includeZero)
	putInt(scan, "concurrency", cfg.Scanner.Concurrency, includeZero)
	putSection(layer, "scanner", scan)

	cron := map[string]any{}
	putString(cron, "api_token", cfg.Cron.APIToken, includeZero)
	putSection(layer, "cron", cron)
	return layer
}

func putString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func putBool(layer map[string]any, key string, value bool, includeZero bool) {
	if includeZero || value {
		layer[key] = value
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}

func flattenValues(prefix string, layer map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range layer {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for nestedKey, nestedValue := range flattenValues(full, nested) {
				out[nestedKey] = nestedValue
			}
			continue
		}
		out[full] = value
	}
	return out
}

func setPath(target map[string]any, path string, value any) {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		target[head] = value
		return
	}
	child, ok := target[head].(map[string]any)
	if !ok {
		child = map[string]any{}
		target[head] = child
	}
	setPath(child, rest, value)
}
