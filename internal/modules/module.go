package modules

import "context"

// Module is a pluggable capability unit. Modules are typed structs
// registered explicitly at startup; there is no directory scanning.
// Lifecycle hooks must be idempotent: enabling an already enabled module or
// disabling a disabled one is a no-op.
type Module interface {
	Name() string
	Description() string
	Dependencies() []string
	DefaultEnabled() bool
	DefaultSettings() map[string]interface{}
	SettingsSchema() map[string]SettingField

	OnEnable(ctx context.Context, tenantID int64) error
	OnDisable(ctx context.Context, tenantID int64) error
}

// SettingField describes one settings key for the admin surface.
type SettingField struct {
	Type    string      `json:"type"` // text, number, checkbox, textarea
	Label   string      `json:"label"`
	Default interface{} `json:"default,omitempty"`
}

// Base carries the common module metadata; concrete modules embed it and
// override what they need.
type Base struct {
	ModuleName     string
	ModuleDesc     string
	Deps           []string
	EnabledDefault bool
	Settings       map[string]interface{}
	Schema         map[string]SettingField
}

func (b *Base) Name() string                            { return b.ModuleName }
func (b *Base) Description() string                     { return b.ModuleDesc }
func (b *Base) Dependencies() []string                  { return b.Deps }
func (b *Base) DefaultEnabled() bool                    { return b.EnabledDefault }
func (b *Base) DefaultSettings() map[string]interface{} { return b.Settings }
func (b *Base) SettingsSchema() map[string]SettingField { return b.Schema }

func (b *Base) OnEnable(ctx context.Context, tenantID int64) error  { return nil }
func (b *Base) OnDisable(ctx context.Context, tenantID int64) error { return nil }
