package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples each level below Error with its own budget from
// cfg.Levels. Levels without an entry pass through unsampled, as do Error
// and above.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{
		&levelFilterCore{Core: core, match: func(l zapcore.Level) bool {
			if l >= zapcore.ErrorLevel {
				return true
			}
			_, sampled := cfg.Levels[l]
			return !sampled
		}},
	}
	for lvl, rate := range cfg.Levels {
		if lvl >= zapcore.ErrorLevel {
			continue
		}
		only := &levelFilterCore{Core: core, match: func(l zapcore.Level) bool { return l == lvl }}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), rate.Initial, rate.Thereafter))
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore passes only the levels match accepts.
type levelFilterCore struct {
	zapcore.Core
	match func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.match(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.match(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), match: c.match}
}
