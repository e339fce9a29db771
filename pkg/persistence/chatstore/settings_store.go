package chatstore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SettingsKey is the fixed key of the user settings record.
const SettingsKey = "chatgpt-settings"

const DefaultTheme = "dark"

type Settings struct {
	Model string `json:"model,omitempty"`
	Theme string `json:"theme,omitempty"`
}

type SettingsStore struct {
	kv KVStore
}

func NewSettingsStore(kv KVStore) *SettingsStore {
	return &SettingsStore{kv: kv}
}

// Load returns the stored settings. Missing or corrupt records yield the
// zero Settings with the default theme.
func (s *SettingsStore) Load(ctx context.Context) Settings {
	out := Settings{}
	raw, err := s.kv.Get(ctx, SettingsKey)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		log.Warn().Err(err).Str("component", "chatstore").Msg("failed to read settings")
	default:
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			log.Warn().Err(err).Str("component", "chatstore").Msg("ignoring corrupt settings record")
			out = Settings{}
		}
	}
	if out.Theme == "" {
		out.Theme = DefaultTheme
	}
	return out
}

func (s *SettingsStore) Save(ctx context.Context, settings Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "chatstore: encode settings")
	}
	if err := s.kv.Set(ctx, SettingsKey, string(payload)); err != nil {
		return errors.Wrap(err, "chatstore: save settings")
	}
	return nil
}
