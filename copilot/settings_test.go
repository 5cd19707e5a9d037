package copilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelAllowed(t *testing.T) {
	t.Parallel()

	settings := AdminSettings{}
	assert.True(t, settings.ChannelAllowed("any-channel"))

	settings.AllowedChannels = StringList{"chan-1", "chan-2"}
	assert.True(t, settings.ChannelAllowed("chan-1"))
	assert.True(t, settings.ChannelAllowed("chan-2"))
	assert.False(t, settings.ChannelAllowed("chan-3"))
}

func TestStringListScan(t *testing.T) {
	t.Parallel()

	var list StringList
	require.NoError(t, list.Scan(`["a","b"]`))
	assert.Equal(t, StringList{"a", "b"}, list)

	require.NoError(t, list.Scan([]byte(`["c"]`)))
	assert.Equal(t, StringList{"c"}, list)

	require.NoError(t, list.Scan(nil))
	assert.Nil(t, list)

	assert.Error(t, list.Scan(42))
}

func TestStringListValue(t *testing.T) {
	t.Parallel()

	value, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", value)

	value, err = StringList{"a", "b"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, value)
}

func TestAdminSettingsUpdateGormUpdates(t *testing.T) {
	t.Parallel()

	assert.Empty(t, AdminSettingsUpdate{}.gormUpdates())

	paused := true
	instructions := "Answer in haiku."
	update := AdminSettingsUpdate{
		Paused:             &paused,
		SystemInstructions: &instructions,
	}
	updates := update.gormUpdates()
	require.Len(t, updates, 2)
	assert.Equal(t, true, updates["paused"])
	assert.Equal(t, "Answer in haiku.", updates["system_instructions"])

	channels := StringList{"chan-1"}
	enabled := false
	status := "on a break"
	update = AdminSettingsUpdate{
		AllowedChannels:        &channels,
		ImageGenerationEnabled: &enabled,
		DiscordCustomStatus:    &status,
	}
	updates = update.gormUpdates()
	require.Len(t, updates, 3)
	assert.Equal(t, channels, updates["allowed_channels"])
	assert.Equal(t, false, updates["image_generation_enabled"])
	assert.Equal(t, "on a break", updates["discord_custom_status"])
}

func TestDefaultAdminSettings(t *testing.T) {
	t.Parallel()

	settings := DefaultAdminSettings()
	assert.Equal(t, DefaultSystemInstructions, settings.SystemInstructions)
	assert.True(t, settings.ImageGenerationEnabled)
	assert.False(t, settings.Paused)
	assert.Empty(t, settings.AllowedChannels)
}

func TestAdminSettingsPersistStringList(t *testing.T) {
	t.Parallel()
	_, db := newTestStore(t)

	settings := DefaultAdminSettings()
	settings.AllowedChannels = StringList{"chan-1", "chan-2"}
	require.NoError(t, db.Create(&settings).Error)

	var stored AdminSettings
	require.NoError(t, db.Last(&stored).Error)
	assert.Equal(t, StringList{"chan-1", "chan-2"}, stored.AllowedChannels)
}
