package ratewarden

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every *ConfigError.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// ConfigError reports a policy value rejected at construction.
type ConfigError struct {
	Field   string
	Message string
}

// Error returns the validation error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Message)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// KeyFunc extracts a client identity from an HTTP request.
// Returning an empty string skips rate limiting for that request.
type KeyFunc func(*http.Request) string

// SkipFunc reports whether a request bypasses every check.
type SkipFunc func(*http.Request) bool

// Config parameterizes an Engine. Zero values disable the optional protections:
// BurstLimit 0 disables burst protection, PenaltyStep 0 disables progressive
// penalties and DDoSThreshold 0 disables blocking.
type Config struct {
	// Name prefixes every key so policies can share one store.
	Name string `yaml:"name"`

	// Window is the primary counting window.
	Window time.Duration `yaml:"window" validate:"gt=0"`

	// Max is the number of requests admitted per window.
	Max int64 `yaml:"max" validate:"gt=0"`

	// BurstLimit is the number of requests admitted per BurstWindow.
	BurstLimit  int64         `yaml:"burst_limit" validate:"gte=0"`
	BurstWindow time.Duration `yaml:"burst_window" validate:"gte=0"`

	// SlidingWindow grows the window with traffic up to MaxWindow.
	SlidingWindow bool          `yaml:"sliding_window"`
	MaxWindow     time.Duration `yaml:"max_window" validate:"omitempty,gtefield=Window"`

	// DDoSThreshold blocks a key once its window count exceeds it.
	DDoSThreshold int64         `yaml:"ddos_threshold" validate:"gte=0"`
	BlockDuration time.Duration `yaml:"block_duration" validate:"gte=0"`

	// PenaltyStep is added to a key's multiplier on every violation, up to MaxPenalty.
	PenaltyStep float64 `yaml:"penalty_step" validate:"gte=0"`
	MaxPenalty  float64 `yaml:"max_penalty" validate:"omitempty,gte=1"`

	// Allowlist holds identities exempt from all checks.
	Allowlist []string `yaml:"allowlist" validate:"dive,required"`

	// KeyFunc derives the identity for Check. Defaults to KeyByIP.
	KeyFunc KeyFunc `yaml:"-"`

	// Skip exempts matching requests from all checks.
	Skip SkipFunc `yaml:"-"`
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	return v
}()

// Validate checks every field and returns the first violation as a *ConfigError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &ConfigError{Field: "config", Message: err.Error()}
		}
		fe := verrs[0]
		return &ConfigError{Field: fe.Field(), Message: formatRule(fe.Tag(), fe.Param())}
	}

	switch {
	case c.BurstLimit > 0 && c.BurstWindow == 0:
		return &ConfigError{Field: "burst_window", Message: "required when burst_limit is set"}
	case c.SlidingWindow && c.MaxWindow == 0:
		return &ConfigError{Field: "max_window", Message: "required when sliding_window is set"}
	case c.DDoSThreshold > 0 && c.BlockDuration == 0:
		return &ConfigError{Field: "block_duration", Message: "required when ddos_threshold is set"}
	case c.PenaltyStep > 0 && c.MaxPenalty == 0:
		return &ConfigError{Field: "max_penalty", Message: "required when penalty_step is set"}
	}
	return nil
}

func formatRule(tag, param string) string {
	switch tag {
	case "gt":
		return "must be greater than " + param
	case "gte":
		return "must be at least " + param
	case "gtefield":
		return "must be at least " + strings.ToLower(param)
	case "required":
		return "required"
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

func (c Config) burstEnabled() bool   { return c.BurstLimit > 0 }
func (c Config) penaltyEnabled() bool { return c.PenaltyStep > 0 }
func (c Config) ddosEnabled() bool    { return c.DDoSThreshold > 0 }

// LoadPolicies parses a YAML document of named policies. Each entry starts from the
// preset of the same name when one exists, so a file only needs the fields it
// changes. Durations use Go syntax ("90s", "15m").
//
//	auth:
//	  max: 3
//	  block_duration: 2h
//	reports:
//	  window: 1h
//	  max: 20
func LoadPolicies(data []byte) (map[string]Config, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}

	policies := make(map[string]Config, len(raw))
	for name, node := range raw {
		cfg, ok := Preset(name)
		if !ok {
			cfg = Config{Name: name}
		}
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse policy %q: %w", name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		policies[name] = cfg
	}
	return policies, nil
}
