package config

import (
	"sync/atomic"

	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
)

// Flags holds the auto-chaining switches, which can change at runtime.
type Flags struct {
	autoSave   atomic.Bool
	autoSubmit atomic.Bool
}

// FlagValues is the JSON view of Flags.
type FlagValues struct {
	AutoSave   bool `json:"auto_save"`
	AutoSubmit bool `json:"auto_submit"`
}

// NewFlags seeds the switches from the configuration.
func NewFlags(cfg *Config) *Flags {
	f := &Flags{}
	f.autoSave.Store(cfg.Harvest.AutoSave)
	f.autoSubmit.Store(cfg.Harvest.AutoSubmit)
	return f
}

// Register answers the auto-save and auto-submit queries on bus.
func (f *Flags) Register(bus *eventbus.Bus) {
	eventbus.Respond(bus, func(events.AutoSaveQuery) bool { return f.autoSave.Load() })
	eventbus.Respond(bus, func(events.AutoSubmitQuery) bool { return f.autoSubmit.Load() })
}

func (f *Flags) Values() FlagValues {
	return FlagValues{AutoSave: f.autoSave.Load(), AutoSubmit: f.autoSubmit.Load()}
}

// Set replaces both switches.
func (f *Flags) Set(v FlagValues) {
	f.autoSave.Store(v.AutoSave)
	f.autoSubmit.Store(v.AutoSubmit)
}
