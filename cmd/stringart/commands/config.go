package commands

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/stringart-drive/internal/app"
)

// envPrefix selects the variables read as settings (e.g., STRINGART_AUTH__CLIENT_ID → auth.client_id)
const envPrefix = "STRINGART_"

// listKeys are settings that take a comma-separated list when given as a
// variable or a single flag value.
var listKeys = map[string]bool{
	"auth.scopes": true,
}

// sourceFlags choose where settings come from and are not settings themselves.
var sourceFlags = map[string]bool{
	"config":   true,
	"env-file": true,
}

// configSources names every input of loadConfig. Empty fields are skipped.
type configSources struct {
	// File is a TOML config file.
	File string
	// EnvFile is a dotenv file. Variables from Environ take precedence over it.
	EnvFile string
	// Environ returns the process environment, os.Environ outside of tests.
	Environ func() []string
	// Flags are the parsed command line flags; only flags set explicitly count.
	Flags *cli.Command
}

// commandSources reads the source selection from the root flags of cmd.
func commandSources(cmd *cli.Command) configSources {
	return configSources{
		File:    cmd.String("config"),
		EnvFile: cmd.String("env-file"),
		Environ: os.Environ,
		Flags:   cmd,
	}
}

// loadConfig merges settings with precedence, lowest first:
// defaults → config file → env file → environment → flags
func loadConfig(src configSources) (*app.Config, error) {
	k := koanf.New(".")

	if src.File != "" {
		if err := k.Load(file.Provider(src.File), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	environ, err := environWithEnvFile(src.EnvFile, src.Environ)
	if err != nil {
		return nil, err
	}
	envProvider := env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envSetting,
		EnvironFunc:   environ,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	if src.Flags != nil {
		if err := k.Load(confmap.Provider(flagSettings(src.Flags), "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// environWithEnvFile places the variables of path ahead of environ so the
// process environment overrides the file.
func environWithEnvFile(path string, environ func() []string) (func() []string, error) {
	if environ == nil {
		environ = func() []string { return nil }
	}
	if path == "" {
		return environ, nil
	}

	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	fromFile := make([]string, 0, len(vars))
	for _, key := range slices.Sorted(maps.Keys(vars)) {
		fromFile = append(fromFile, key+"="+vars[key])
	}
	return func() []string {
		return slices.Concat(fromFile, environ())
	}, nil
}

// envSetting maps STRINGART_AUTH__CLIENT_ID to auth.client_id.
func envSetting(key, value string) (string, any) {
	stripped := strings.TrimPrefix(key, envPrefix)
	setting := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
	if listKeys[setting] {
		return setting, splitList(value)
	}
	return setting, value
}

// flagSettings maps explicitly set flags to settings, including parent flags:
// --auth--client-id → auth.client_id, --log-level → log_level
func flagSettings(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		if sourceFlags[name] || !cmd.IsSet(name) {
			continue
		}

		value := cmd.Value(name)
		if value == nil {
			continue
		}
		setting := strings.ReplaceAll(name, "--", ".")
		setting = strings.ReplaceAll(setting, "-", "_")
		if list, ok := value.([]string); ok && listKeys[setting] {
			// --auth--scopes a,b and --auth--scopes a --auth--scopes b are equivalent
			var items []string
			for _, v := range list {
				items = append(items, splitList(v)...)
			}
			value = items
		}
		values[setting] = value
	}

	return values
}

func splitList(value string) []string {
	var items []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
