package settings

import "github.com/zoff-tech/settings-relay/schema"

// The editable allow-list: only these fields may be changed through an
// update envelope. Anything else in the payload is silently dropped, even
// when it is schema-valid.
//
// Kept as an explicit field-by-field merge over the fixed schema rather than
// a dynamic key union, so unknown fields can never leak through.
func mergeEditable(current, update schema.UserSettings) schema.UserSettings {
	merged := current
	if update.Language != nil {
		merged.Language = update.Language
	}
	if update.Timezone != nil {
		merged.Timezone = update.Timezone
	}
	if update.Avatar != nil {
		merged.Avatar = update.Avatar
	}
	if update.DisplayName != nil {
		merged.DisplayName = update.DisplayName
	}
	return merged
}
