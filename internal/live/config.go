package live

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/tastemate/pkg/profile"
	providerlive "github.com/MrWong99/tastemate/pkg/provider/live"
)

// DefaultVoice is the prebuilt voice used when none is configured.
const DefaultVoice = "Kore"

// Instructions returns the system instruction for a voice session with p
// embedded as JSON.
func Instructions(p *profile.UserProfile) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("live: marshal profile: %w", err)
	}
	return fmt.Sprintf("You are Tastemate.AI Live. Talk naturally. Context: %s. Be brief and helpful.", data), nil
}

// SessionConfigFor builds the configuration payload sent when the transport
// opens. Model may be empty to use the transport default.
func SessionConfigFor(p *profile.UserProfile, voice, model string) (providerlive.SessionConfig, error) {
	instr, err := Instructions(p)
	if err != nil {
		return providerlive.SessionConfig{}, err
	}
	if voice == "" {
		voice = DefaultVoice
	}
	return providerlive.SessionConfig{
		Model:               model,
		Voice:               voice,
		Instructions:        instr,
		OutputTranscription: true,
	}, nil
}
