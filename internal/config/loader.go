package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "NIMBUSACCESS"

// EnvConfigFile names the environment variable holding a config file path.
const EnvConfigFile = EnvPrefix + "_CONFIG"

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps an environment variable to a configuration path.
type EnvSpec struct {
	Name string
	Path string
}

// Short aliases for the settings operators change most.
var envAliases = []EnvSpec{
	{Name: EnvPrefix + "_HOST", Path: "server.host"},
	{Name: EnvPrefix + "_PORT", Path: "server.port"},
	{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
	{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
	{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
	{Name: EnvPrefix + "_ENDPOINT", Path: "s3.endpoint"},
	{Name: EnvPrefix + "_REGION", Path: "s3.region"},
	{Name: EnvPrefix + "_ACCESS_KEY_ID", Path: "auth.static.access_key_id"},
	{Name: EnvPrefix + "_SECRET_ACCESS_KEY", Path: "auth.static.secret_access_key"},
	{Name: EnvPrefix + "_TOKEN_FILE", Path: "auth.token.file"},
	{Name: EnvPrefix + "_ADMIN_TOKEN", Path: "server.admin_token"},
}

// SetDefaults registers every configuration key with its default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.path_style", true)
	v.SetDefault("s3.bucket_to_create", "")
	v.SetDefault("s3.workspace_bucket", "")
	v.SetDefault("s3.list_page_size", 0)

	v.SetDefault("auth.mode", AuthAnonymous)
	v.SetDefault("auth.static.access_key_id", "")
	v.SetDefault("auth.static.secret_access_key", "")
	v.SetDefault("auth.federation.url", "")
	v.SetDefault("auth.federation.duration", "168h")
	v.SetDefault("auth.federation.role_arn", "")
	v.SetDefault("auth.federation.role_session_name", "")
	v.SetDefault("auth.token.file", "")
	v.SetDefault("auth.token.value", "")

	v.SetDefault("credentials.store", StoreMemory)
	v.SetDefault("credentials.dir", defaultCredentialsDir())

	v.SetDefault("transfer.part_size", 5<<20)
	v.SetDefault("transfer.concurrency", 4)
	v.SetDefault("transfer.delete_fallback_rate", 20)
	v.SetDefault("transfer.presign_ttl", "1h")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_upload_bytes", 5<<30)
	v.SetDefault("server.allowed_buckets", []string{})
	v.SetDefault("server.admin_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func defaultCredentialsDir() string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "nimbusaccess")
}

// BindEnv binds every registered key to NIMBUSACCESS_<PATH> and its alias.
// Call it after SetDefaults.
func BindEnv(v *viper.Viper) error {
	var paths []string
	names := make(map[string][]string)
	for _, spec := range getEnvSpecs() {
		if _, ok := names[spec.Path]; !ok {
			paths = append(paths, spec.Path)
		}
		names[spec.Path] = append(names[spec.Path], spec.Name)
	}
	for _, path := range paths {
		if err := v.BindEnv(append([]string{path}, names[path]...)...); err != nil {
			return fmt.Errorf("bind %s: %w", path, err)
		}
	}
	return nil
}

// getEnvSpecs lists the environment variables for every configuration path.
// A path is bound to its aliases after its long form, so the long form wins.
func getEnvSpecs() []EnvSpec {
	v := viper.New()
	SetDefaults(v)

	keys := v.AllKeys()
	sort.Strings(keys)

	specs := make([]EnvSpec, 0, len(keys)+len(envAliases))
	for _, key := range keys {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, EnvSpec{Name: name, Path: key})
	}
	return append(specs, envAliases...)
}

// Load builds the configuration from defaults, the file named by
// NIMBUSACCESS_CONFIG, the environment and overrides, in increasing priority.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, os.Getenv(EnvConfigFile), overrides...)
}

// LoadFile is Load with an explicit config file. An empty file is skipped.
func LoadFile(ctx context.Context, file string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v, and makes it
// the current configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// flatten turns nested override maps into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
