// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	DataNameKey  = "data_name"
	DataDirKey   = "data_dir"
	BatchSizeKey = "batch_size"
	EpochsKey    = "epochs"

	TrainPrefixKey = "train_prefix"
	TestPrefixKey  = "test_prefix"
	ValidPrefixKey = "valid_prefix"

	LogDirKey = "log_dir"

	// MetaKey holds the orchestration settings; it is carried on every run
	// but never used as a permutation axis.
	MetaKey = "meta"
)

var (
	// ErrParsing reports failures that occur while decoding configuration files.
	ErrParsing = errors.New("error parsing")
	// ErrMissingRequiredKey reports experiment configurations without the
	// keys needed to run a default training fork.
	ErrMissingRequiredKey = errors.New("missing required key")

	// RequiredKeys are the bare minimum configuration keys required to run
	// a default training fork.
	RequiredKeys = []string{DataNameKey, DataDirKey, BatchSizeKey, EpochsKey}

	//go:embed default.json
	defaultConfigJSON []byte
)

// Config holds one experiment configuration: every top level key of the
// file plus the parsed orchestration settings from its meta section.
type Config struct {
	Filename string
	Data     map[string]any
	Meta     Meta
}

// Meta holds the orchestration settings of an experiment.
type Meta struct {
	// ExcludeConfigs lists value combinations that must not run. An entry
	// excludes every run matching all of its key/value pairs.
	ExcludeConfigs []map[string]any

	// RefreshRate is the configuration watch interval in seconds.
	RefreshRate int

	// Framework selects how forks receive their device assignment.
	Framework string

	// Command is the fork command template.
	Command string

	// MaxForks caps the number of concurrent forks. Zero means one fork
	// per visible device, or a single fork when no device is present.
	MaxForks int

	// Seed makes the run order reproducible when not zero.
	Seed int64

	// HTTPPort enables the status server when not zero.
	HTTPPort int
}

// Load reads, validates and completes the experiment configuration at path.
// JSON files may carry comments; files ending in .yaml or .yml are decoded
// as YAML. Required keys must come from the file itself: the built in
// defaults are merged underneath user values afterwards.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	data, err := decode(raw, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrParsing, path, err)
	}

	if err := validateRequiredKeys(data); err != nil {
		return nil, fmt.Errorf("%w: configuration file %q: %w", ErrMissingRequiredKey, path, err)
	}

	mergeDefaults(data, defaultData())

	if err := applyDerivedDefaults(data); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrParsing, path, err)
	}

	meta, err := metaFromMap(data[MetaKey])
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrParsing, path, err)
	}

	return &Config{Filename: path, Data: data, Meta: meta}, nil
}

// Keys returns every top level key in lexical order, meta included.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.Data))
	for key := range c.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

// Value returns the value stored for key, or nil.
func (c *Config) Value(key string) any {
	return c.Data[key]
}

// LogDir returns the directory that run artifacts and the completed run
// ledger are written to.
func (c *Config) LogDir() string {
	if dir, ok := c.Data[LogDirKey].(string); ok && dir != "" {
		return dir
	}

	return "logs"
}

func decode(raw []byte, extension string) (map[string]any, error) {
	data := map[string]any{}

	switch strings.ToLower(extension) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, err
		}

		normalized, ok := normalizeValue(data).(map[string]any)
		if !ok {
			return nil, errors.New("top level value is not a mapping")
		}
		data = normalized
	default:
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
		decoder.UseNumber()
		if err := decoder.Decode(&data); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// normalizeValue rewrites decoded YAML scalars to the representation the
// JSON decoder produces, so values compare and render the same regardless
// of the file format.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case int:
		return json.Number(strconv.Itoa(typed))
	case int64:
		return json.Number(strconv.FormatInt(typed, 10))
	case float64:
		return json.Number(strconv.FormatFloat(typed, 'g', -1, 64))
	case []any:
		normalized := make([]any, 0, len(typed))
		for _, item := range typed {
			normalized = append(normalized, normalizeValue(item))
		}
		return normalized
	case map[string]any:
		normalized := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized[key] = normalizeValue(item)
		}
		return normalized
	default:
		return value
	}
}

func validateRequiredKeys(data map[string]any) error {
	missingKeys := []string{}
	for _, key := range RequiredKeys {
		if _, found := data[key]; !found {
			missingKeys = append(missingKeys, key)
		}
	}

	if len(missingKeys) > 0 {
		return errors.New(strings.Join(missingKeys, ", "))
	}

	return nil
}

// mergeDefaults fills data with the default values it is missing. The meta
// section is merged key by key so a partial user meta keeps the remaining
// defaults.
func mergeDefaults(data, defaults map[string]any) {
	for key, value := range defaults {
		if key == MetaKey {
			continue
		}
		if _, found := data[key]; !found {
			data[key] = value
		}
	}

	defaultMeta, _ := defaults[MetaKey].(map[string]any)
	meta, ok := data[MetaKey].(map[string]any)
	if !ok {
		meta = map[string]any{}
		data[MetaKey] = meta
	}

	for key, value := range defaultMeta {
		if _, found := meta[key]; !found {
			meta[key] = value
		}
	}
}

func applyDerivedDefaults(data map[string]any) error {
	dataName, ok := data[DataNameKey].(string)
	if !ok {
		return fmt.Errorf("key %q must hold a single string", DataNameKey)
	}

	for key, suffix := range map[string]string{
		TrainPrefixKey: ".train",
		TestPrefixKey:  ".test",
		ValidPrefixKey: ".valid",
	} {
		if _, found := data[key]; !found {
			data[key] = dataName + suffix
		}
	}

	return nil
}

func defaultData() map[string]any {
	decoder := json.NewDecoder(bytes.NewReader(defaultConfigJSON))
	decoder.UseNumber()

	data := map[string]any{}
	if err := decoder.Decode(&data); err != nil {
		panic(fmt.Errorf("embedded default configuration: %w", err))
	}

	return data
}

func metaFromMap(value any) (Meta, error) {
	meta := Meta{}

	metaMap, ok := value.(map[string]any)
	if !ok {
		return meta, fmt.Errorf("key %q must hold a mapping", MetaKey)
	}

	var err error
	if meta.ExcludeConfigs, err = excludeConfigs(metaMap["exclude_configs"]); err != nil {
		return meta, err
	}

	intFields := map[string]*int{
		"refresh_rate": &meta.RefreshRate,
		"max_forks":    &meta.MaxForks,
		"http_port":    &meta.HTTPPort,
	}
	for name, target := range intFields {
		number, convErr := toInt(metaMap[name])
		if convErr != nil {
			return meta, fmt.Errorf("meta.%s: %w", name, convErr)
		}
		*target = number
	}

	seed, err := toInt(metaMap["seed"])
	if err != nil {
		return meta, fmt.Errorf("meta.seed: %w", err)
	}
	meta.Seed = int64(seed)

	stringFields := map[string]*string{
		"framework": &meta.Framework,
		"command":   &meta.Command,
	}
	for name, target := range stringFields {
		text, ok := metaMap[name].(string)
		if !ok {
			return meta, fmt.Errorf("meta.%s: expected a string", name)
		}
		*target = text
	}

	return meta, nil
}

func excludeConfigs(value any) ([]map[string]any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, errors.New("meta.exclude_configs: expected a list of mappings")
	}

	excludes := make([]map[string]any, 0, len(items))
	for index, item := range items {
		exclude, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("meta.exclude_configs[%d]: expected a mapping", index)
		}
		excludes = append(excludes, exclude)
	}

	return excludes, nil
}

func toInt(value any) (int, error) {
	switch typed := value.(type) {
	case json.Number:
		number, err := strconv.Atoi(typed.String())
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", typed.String())
		}
		return number, nil
	case int:
		return typed, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %v", value)
	}
}

// Canonical renders a configuration value as the string every component
// compares and persists. Values survive a trip through the run ledger.
func Canonical(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	case int:
		return strconv.Itoa(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
