package protocol

const (
	DefaultFPS           = 30
	DefaultBitsPerSecond = 2_500_000
	MaxFPS               = 120
	MaxDelaySeconds      = 3600
	MaxTimerSeconds      = 24 * 3600
)

// Settings are the per-surface capture parameters.
type Settings struct {
	FPS           int  `json:"fps" yaml:"fps"`
	BitsPerSecond int  `json:"bits_per_second" yaml:"bits_per_second"`
	DelaySeconds  int  `json:"delay_seconds" yaml:"delay_seconds"`
	TimerSeconds  int  `json:"timer_seconds" yaml:"timer_seconds"`
	HasTimer      bool `json:"has_timer" yaml:"has_timer"`
	AutoReload    bool `json:"auto_reload" yaml:"auto_reload"`
	Remux         bool `json:"remux" yaml:"remux"`
}

// DefaultSettings returns the settings used for a surface nobody configured.
func DefaultSettings() Settings {
	return Settings{
		FPS:           DefaultFPS,
		BitsPerSecond: DefaultBitsPerSecond,
		Remux:         true,
	}
}

// Normalize replaces out-of-range values with defaults.
func (s Settings) Normalize() Settings {
	if s.FPS <= 0 || s.FPS > MaxFPS {
		s.FPS = DefaultFPS
	}
	if s.BitsPerSecond <= 0 {
		s.BitsPerSecond = DefaultBitsPerSecond
	}
	if s.DelaySeconds < 0 || s.DelaySeconds > MaxDelaySeconds {
		s.DelaySeconds = 0
	}
	if s.TimerSeconds < 0 || s.TimerSeconds > MaxTimerSeconds {
		s.TimerSeconds = 0
	}
	if s.TimerSeconds == 0 {
		s.HasTimer = false
	}
	return s
}
