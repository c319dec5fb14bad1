package ratewarden

import (
	"time"

	"github.com/nhalm/ratewarden/store"
)

// Preset names accepted by Preset and LoadPolicies.
const (
	PolicyAPI    = "api"
	PolicyAuth   = "auth"
	PolicyUpload = "upload"
)

// APIPolicy is tuned for general API traffic: a high per-minute quota on a sliding
// window, burst protection and a moderate abuse threshold.
func APIPolicy() Config {
	return Config{
		Name:          PolicyAPI,
		Window:        time.Minute,
		Max:           300,
		BurstLimit:    50,
		BurstWindow:   time.Second,
		SlidingWindow: true,
		MaxWindow:     2 * time.Minute,
		DDoSThreshold: 1000,
		BlockDuration: 10 * time.Minute,
	}
}

// AuthPolicy is tuned for login and token endpoints: a very low quota, fast
// penalty growth and a long block.
func AuthPolicy() Config {
	return Config{
		Name:          PolicyAuth,
		Window:        15 * time.Minute,
		Max:           10,
		BurstLimit:    3,
		BurstWindow:   10 * time.Second,
		PenaltyStep:   1,
		MaxPenalty:    5,
		DDoSThreshold: 30,
		BlockDuration: time.Hour,
	}
}

// UploadPolicy is tuned for upload endpoints: a moderate hourly quota with tight
// burst protection. The block lasts at least the window so a lifted block never
// meets a count that is still over the threshold.
func UploadPolicy() Config {
	return Config{
		Name:          PolicyUpload,
		Window:        time.Hour,
		Max:           50,
		BurstLimit:    2,
		BurstWindow:   5 * time.Second,
		DDoSThreshold: 200,
		BlockDuration: time.Hour,
	}
}

// Preset returns the named preset configuration.
func Preset(name string) (Config, bool) {
	switch name {
	case PolicyAPI:
		return APIPolicy(), true
	case PolicyAuth:
		return AuthPolicy(), true
	case PolicyUpload:
		return UploadPolicy(), true
	default:
		return Config{}, false
	}
}

// Customize adjusts a preset before the engine is built.
type Customize func(*Config)

// NewAPI creates an Engine with APIPolicy.
func NewAPI(st store.Store, customize Customize, opts ...Option) (*Engine, error) {
	return newPreset(st, APIPolicy(), customize, opts)
}

// NewAuth creates an Engine with AuthPolicy.
func NewAuth(st store.Store, customize Customize, opts ...Option) (*Engine, error) {
	return newPreset(st, AuthPolicy(), customize, opts)
}

// NewUpload creates an Engine with UploadPolicy.
func NewUpload(st store.Store, customize Customize, opts ...Option) (*Engine, error) {
	return newPreset(st, UploadPolicy(), customize, opts)
}

func newPreset(st store.Store, cfg Config, customize Customize, opts []Option) (*Engine, error) {
	if customize != nil {
		customize(&cfg)
	}
	return New(st, cfg, opts...)
}
