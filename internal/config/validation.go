package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"yqhp/cycle-engine/internal/cycles"
	"yqhp/cycle-engine/internal/errorhandler"
	"yqhp/cycle-engine/internal/output"
	"yqhp/cycle-engine/internal/planning"
	"yqhp/cycle-engine/internal/ratelimit"
	"yqhp/cycle-engine/internal/verify"
	"yqhp/cycle-engine/pkg/logger"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields 返回出错的字段路径
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateActivityConfig(&cfg.Activity)
	v.validateOps(cfg.Activity.Ops)
	v.validateControlConfig(&cfg.Control)
	v.validateMetricsConfig(&cfg.Metrics)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateActivityConfig(cfg *ActivityConfig) {
	if cfg.Alias == "" {
		v.addError("activity.alias", "alias is required")
	}

	if _, err := cycles.ParseRange(cfg.Cycles); err != nil {
		v.addError("activity.cycles", err.Error())
	}

	if cfg.Threads < 1 {
		v.addError("activity.threads", "threads must be at least 1")
	}
	if cfg.Stride < 1 {
		v.addError("activity.stride", "stride must be at least 1")
	}
	if cfg.MaxTries < 1 {
		v.addError("activity.maxtries", "maxtries must be at least 1")
	}

	if cfg.CycleRate != "" {
		if _, err := ratelimit.ParseSpec(cfg.CycleRate); err != nil {
			v.addError("activity.cyclerate", err.Error())
		}
	}
	if cfg.StrideRate != "" {
		if _, err := ratelimit.ParseSpec(cfg.StrideRate); err != nil {
			v.addError("activity.striderate", err.Error())
		}
	}

	if cfg.Async && cfg.MaxPending < 1 {
		v.addError("activity.maxpending", "maxpending must be at least 1 in async mode")
	}
	if cfg.DrainTimeout < 0 {
		v.addError("activity.drain_timeout", "drain timeout must be non-negative")
	}

	if _, err := planning.ParseSequencerType(cfg.Seq); err != nil {
		v.addError("activity.seq", err.Error())
	}
	if _, err := errorhandler.ParseSpec(cfg.Errors); err != nil {
		v.addError("activity.errors", err.Error())
	}

	for _, p := range output.ParseSpecs(cfg.Output, output.Params{}) {
		if _, ok := output.Get(p.OutputType); !ok {
			v.addError("activity.output", fmt.Sprintf("unknown output type '%s', must be one of: %s",
				p.OutputType, strings.Join(output.List(), ", ")))
		}
	}
}

// validateOps 校验操作模板，适配器类型在构建时校验，这里不依赖适配器是否已注册
func (v *Validator) validateOps(templates []OpConfig) {
	if len(templates) == 0 {
		v.addError("activity.ops", "at least one op template is required")
		return
	}

	seen := make(map[string]bool, len(templates))
	total := 0
	for i, op := range templates {
		field := "activity.ops[" + strconv.Itoa(i) + "]"
		if op.Name == "" {
			v.addError(field+".name", "op name is required")
		} else if seen[op.Name] {
			v.addError(field+".name", fmt.Sprintf("duplicate op name '%s'", op.Name))
		}
		seen[op.Name] = true

		if op.Type == "" {
			v.addError(field+".type", "op type is required")
		}
		if op.Ratio < 0 {
			v.addError(field+".ratio", "ratio must be non-negative")
		} else {
			total += op.Ratio
		}
		if op.Verify != "" {
			if _, err := verify.Compile(op.Verify); err != nil {
				v.addError(field+".verify", err.Error())
			}
		}
	}
	if total == 0 {
		v.addError("activity.ops", "at least one op must have a positive ratio")
	}
}

func (v *Validator) validateControlConfig(cfg *ControlConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Address == "" {
		v.addError("control.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("control.address", "invalid address format, expected host:port or :port")
	}
}

func (v *Validator) validateMetricsConfig(cfg *MetricsConfig) {
	if cfg.ReportInterval < 0 {
		v.addError("metrics.report_interval", "report interval must be non-negative")
	}
}

func (v *Validator) validateLoggingConfig(cfg *logger.Config) {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if cfg.Format == "" {
		v.addError("logging.format", "log format is required")
	} else if !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"file":   true,
		"both":   true,
	}
	if cfg.Output != "" && !validOutputs[strings.ToLower(cfg.Output)] {
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", cfg.Output))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath == "" {
		v.addError("logging.file_path", "file path is required when output is file or both")
	}
}

// isValidAddress checks if an address is in valid host:port or :port format.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if port == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return false
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil && !isValidHostname(host) {
		return false
	}
	return true
}

// isValidHostname checks if a string is a valid hostname.
func isValidHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for i, c := range label {
			alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			if !alnum && !(c == '-' && i > 0 && i < len(label)-1) {
				return false
			}
		}
	}
	return true
}

// Validate validates the configuration using a new validator.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// LoadAndValidate loads configuration and validates it.
func (l *Loader) LoadAndValidate() (*Config, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
