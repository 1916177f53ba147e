package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/cycle-engine/internal/errorhandler"
	"yqhp/cycle-engine/internal/ops"
	"yqhp/cycle-engine/pkg/logger"
)

// DefaultEnvPrefix 环境变量前缀，与 env 标签拼接成完整变量名
const DefaultEnvPrefix = "CYCLE_ENGINE_"

// Config represents the complete configuration for the cycle engine.
type Config struct {
	Activity ActivityConfig `yaml:"activity"`
	Control  ControlConfig  `yaml:"control"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  logger.Config  `yaml:"logging"`
}

// ActivityConfig 描述一次 activity 运行
type ActivityConfig struct {
	Alias  string `yaml:"alias" env:"ACTIVITY_ALIAS"`
	Cycles string `yaml:"cycles" env:"ACTIVITY_CYCLES"`
	// Threads 并发槽位数
	Threads int `yaml:"threads" env:"ACTIVITY_THREADS"`
	Stride  int `yaml:"stride" env:"ACTIVITY_STRIDE"`
	// CycleRate/StrideRate 为 "ops[,burst[,verb]]"，空表示不限速
	CycleRate  string `yaml:"cyclerate" env:"ACTIVITY_CYCLERATE"`
	StrideRate string `yaml:"striderate" env:"ACTIVITY_STRIDERATE"`
	// TLRate 为 true 时每个 motor 独立限速
	TLRate   bool `yaml:"tlrate" env:"ACTIVITY_TLRATE"`
	MaxTries int  `yaml:"maxtries" env:"ACTIVITY_MAXTRIES"`

	Async        bool          `yaml:"async" env:"ACTIVITY_ASYNC"`
	MaxPending   int           `yaml:"maxpending" env:"ACTIVITY_MAXPENDING"`
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"ACTIVITY_DRAIN_TIMEOUT"`

	Seq    string `yaml:"seq" env:"ACTIVITY_SEQ"`
	Errors string `yaml:"errors" env:"ACTIVITY_ERRORS"`
	// Output 为 "type[=arg],..."，例如 "summary,cyclelog=cycles.csv"
	Output string `yaml:"output" env:"ACTIVITY_OUTPUT"`

	Ops []OpConfig `yaml:"ops"`
}

// OpConfig 是一个操作模板
type OpConfig struct {
	Name   string            `yaml:"name"`
	Ratio  int               `yaml:"ratio"`
	Type   string            `yaml:"type"`
	Params map[string]string `yaml:"params,omitempty"`
	// Verify 结果校验表达式，"js:..." 或 "jsonpath:..."
	Verify string `yaml:"verify,omitempty"`
}

// Template 转换成适配器使用的模板
func (o OpConfig) Template() ops.Template {
	return ops.Template{Name: o.Name, Type: o.Type, Ratio: o.Ratio, Params: o.Params}
}

// ControlConfig 控制接口配置
type ControlConfig struct {
	Enabled bool   `yaml:"enabled" env:"CONTROL_ENABLED"`
	Address string `yaml:"address" env:"CONTROL_ADDRESS"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// ReportInterval 周期性输出指标摘要日志，0 表示关闭
	ReportInterval time.Duration `yaml:"report_interval" env:"METRICS_REPORT_INTERVAL"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Activity: ActivityConfig{
			Alias:        "default",
			Cycles:       "1",
			Threads:      1,
			Stride:       1,
			MaxTries:     10,
			MaxPending:   100,
			DrainTimeout: 60 * time.Second,
			Seq:          "bucket",
			Errors:       errorhandler.DefaultSpec,
			Output:       "summary",
			Ops: []OpConfig{
				{Name: "diag", Ratio: 1, Type: "diag"},
			},
		},
		Control: ControlConfig{
			Enabled: false,
			Address: ":9470",
		},
		Metrics: MetricsConfig{
			ReportInterval: 0,
		},
		Logging: *logger.DefaultConfig(),
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
// 键为按 yaml 名称的点分路径，例如 "activity.threads"
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		name := l.envPrefix + envTag
		envValue := os.Getenv(name)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", name, fieldType.Name, err)
		}
	}

	return nil
}

func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// setConfigValue 按 yaml 名称的点分路径设置配置值
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name || (tag == "" && strings.EqualFold(t.Field(i).Name, name)) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Map:
		// key=value,key=value
		if field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.String {
			m := make(map[string]string)
			for _, pair := range strings.Split(value, ",") {
				kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
				if len(kv) == 2 {
					m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
				}
			}
			field.Set(reflect.ValueOf(m))
		} else {
			return fmt.Errorf("不支持的 map 类型")
		}

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := c.Serialize()
	clone, _ := ParseConfig(data)
	return clone
}
