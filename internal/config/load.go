// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override. Nested keys are
	// separated by a double underscore and matched case-insensitively, for
	// instance SHUTDOWN_RECOVERY_POWER__LIBVIRT__URI.
	EnvPrefix = "SHUTDOWN_RECOVERY_"

	// UsedConfigFile is the name of the effective configuration written
	// next to the run reports.
	UsedConfigFile = "config.used.yaml"
)

// Load reads path, when set, then the environment overrides, on top of
// Default. The result is validated.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
	}

	keys := canonicalKeys(reflect.TypeOf(Config{}), "")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", "."))
		return keys[key]
	}), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
		},
	}); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// canonicalKeys maps the lower-cased koanf path of every leaf field of t to
// its configured spelling.
func canonicalKeys(t reflect.Type, prefix string) map[string]string {
	out := make(map[string]string)
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("koanf")
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			for lower, canonical := range canonicalKeys(f.Type, key) {
				out[lower] = canonical
			}
			continue
		}
		out[strings.ToLower(key)] = key
	}
	return out
}

// WriteUsed writes cfg as YAML to <dir>/config.used.yaml.
func WriteUsed(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, UsedConfigFile), b, 0o644)
}
