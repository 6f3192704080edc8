package modules

// Builtin returns the platform's stock capability set. The worker registers
// these explicitly at startup; tenants opt in or out per row in the registry.
func Builtin() []Module {
	registration := &Base{
		ModuleName:     "registration",
		ModuleDesc:     "User onboarding: name and phone collection",
		EnabledDefault: true,
		Settings: map[string]interface{}{
			"require_phone": true,
		},
		Schema: map[string]SettingField{
			"require_phone": {Type: "checkbox", Label: "Require phone number", Default: true},
		},
	}

	receipts := &Base{
		ModuleName:     "receipts",
		ModuleDesc:     "Fiscal receipt validation, tickets per valid receipt",
		Deps:           []string{"registration"},
		EnabledDefault: true,
		Settings: map[string]interface{}{
			"tickets_per_receipt": float64(1),
			"max_per_day":         float64(5),
		},
		Schema: map[string]SettingField{
			"tickets_per_receipt": {Type: "number", Label: "Tickets per valid receipt", Default: 1},
			"max_per_day":         {Type: "number", Label: "Max receipts per day", Default: 5},
		},
	}

	promo := &Base{
		ModuleName:     "promo",
		ModuleDesc:     "Promo code redemption, tickets per code",
		Deps:           []string{"registration"},
		EnabledDefault: false,
		Settings: map[string]interface{}{
			"max_codes_per_user": float64(3),
		},
		Schema: map[string]SettingField{
			"max_codes_per_user": {Type: "number", Label: "Max codes per user", Default: 3},
		},
	}

	broadcast := &Base{
		ModuleName:     "broadcast",
		ModuleDesc:     "Mass message delivery",
		EnabledDefault: true,
		Settings: map[string]interface{}{
			"page_size": float64(100),
		},
		Schema: map[string]SettingField{
			"page_size": {Type: "number", Label: "Recipients per checkpoint page", Default: 100},
		},
	}

	raffle := &Base{
		ModuleName:     "raffle",
		ModuleDesc:     "Weighted prize draws over ticket ledgers",
		Deps:           []string{"registration"},
		EnabledDefault: true,
		Settings: map[string]interface{}{
			"win_message":  "🎉 Поздравляем! Вы выиграли: %s!",
			"lose_message": "",
		},
		Schema: map[string]SettingField{
			"win_message":  {Type: "textarea", Label: "Winner notification fallback text"},
			"lose_message": {Type: "textarea", Label: "Loser notification text (empty to skip)"},
		},
	}

	return []Module{registration, receipts, promo, broadcast, raffle}
}
