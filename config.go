package hiboss

// Config keys are flat string keys in the Store's config table (§6.5).
// Only the core ever writes these; adapters and providers receive
// values through their constructors instead of reading config directly.
const (
	ConfigSetupCompleted   = "setup_completed"
	ConfigBossTokenHash    = "boss_token_hash"
	ConfigBossName         = "boss_name"
	ConfigBossTimezone     = "boss_timezone"
	ConfigPermissionPolicy = "permission_policy"
)

// ConfigAdapterBossID returns the per-adapter key that stores the
// boss's own chat id on that adapter (e.g. "adapter_boss_id_telegram"),
// used to recognize inbound messages from the boss versus anyone else.
func ConfigAdapterBossID(adapterType string) string {
	return "adapter_boss_id_" + adapterType
}
