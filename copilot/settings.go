package copilot

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

const (
	// DefaultSystemInstructions seeds the stored settings, and is the
	// fail-open fallback when settings can't be read.
	DefaultSystemInstructions = "You are a helpful assistant. Provide clear, " +
		"concise and accurate responses."

	systemInstructionsMaxLength = 4000
)

var (
	columnAdminSettingsAdminUsername = "admin_username"
	columnAdminSettingsAdminPassword = "admin_password"
)

// StringList stores a JSON-encoded string slice in a single column.
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "string"
}

// AdminSettings is the single persisted row of runtime-adjustable bot
// settings. It stores state that can be changed from the admin API and
// survives restarts.
//
//nolint:lll // struct tags can't be split
type AdminSettings struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// SystemInstructions is prepended to every completion request.
	SystemInstructions string `json:"system_instructions" gorm:"type:string" binding:"omitempty,max=4000"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means the bot responds everywhere it can see.
	AllowedChannels StringList `json:"allowed_channels" gorm:"type:string"`

	// ImageGenerationEnabled toggles the image generation commands.
	ImageGenerationEnabled bool `json:"image_generation_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`
}

func (AdminSettings) TableName() string {
	return "admin_settings"
}

func (a AdminSettings) LogValue() slog.Value {
	return structToSlogValue(a)
}

// ChannelAllowed reports whether the bot should respond in the given
// channel. An empty allowlist allows every channel.
func (a AdminSettings) ChannelAllowed(channelID string) bool {
	if len(a.AllowedChannels) == 0 {
		return true
	}
	return slices.Contains(a.AllowedChannels, channelID)
}

func DefaultAdminSettings() AdminSettings {
	return AdminSettings{
		SystemInstructions:     DefaultSystemInstructions,
		ImageGenerationEnabled: true,
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
	}
}

// AdminSettingsUpdate is the PATCH payload for AdminSettings. Nil
// fields are left unchanged.
//
//nolint:lll // struct tags can't be split
type AdminSettingsUpdate struct {
	Paused                 *bool       `json:"paused,omitempty"`
	SystemInstructions     *string     `json:"system_instructions,omitempty" binding:"omitnil,max=4000"`
	AllowedChannels        *StringList `json:"allowed_channels,omitempty"`
	ImageGenerationEnabled *bool       `json:"image_generation_enabled,omitempty"`
	DiscordCustomStatus    *string     `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
}

// gormUpdates returns the non-nil fields as a column/value map for a
// GORM Updates call.
func (u AdminSettingsUpdate) gormUpdates() map[string]any {
	updates := map[string]any{}
	if u.Paused != nil {
		updates["paused"] = *u.Paused
	}
	if u.SystemInstructions != nil {
		updates["system_instructions"] = *u.SystemInstructions
	}
	if u.AllowedChannels != nil {
		updates["allowed_channels"] = *u.AllowedChannels
	}
	if u.ImageGenerationEnabled != nil {
		updates["image_generation_enabled"] = *u.ImageGenerationEnabled
	}
	if u.DiscordCustomStatus != nil {
		updates["discord_custom_status"] = *u.DiscordCustomStatus
	}
	return updates
}

// AdminUser marks a Discord user as allowed to run admin-only bot
// commands.
type AdminUser struct {
	ModelUintID
	ModelUnixTime

	DiscordID string `json:"discord_id" gorm:"uniqueIndex;not null"`
	Username  string `json:"username"`
	AddedBy   string `json:"added_by"`
}

func (AdminUser) TableName() string {
	return "admin_users"
}

var errSettingsNotFound = errors.New("admin settings not found")
