package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChannelPolicy is the on-disk channel selection and fallback policy.
type ChannelPolicy struct {
	DefaultChannel string            `yaml:"default_channel"`
	FormChannels   map[string]string `yaml:"form_channels"`
	Rollout        RolloutPolicy     `yaml:"rollout"`
	Fallbacks      map[string]string `yaml:"fallbacks"`
	// PermanentFallback lists, per channel, the failure kinds whose permanent
	// failures escalate to fallback dispatch instead of ending as errored.
	PermanentFallback map[string][]string `yaml:"permanent_fallback"`
}

type RolloutPolicy struct {
	Channel string `yaml:"channel"`
	Percent int    `yaml:"percent"`
}

func DefaultChannelPolicy() ChannelPolicy {
	return ChannelPolicy{
		DefaultChannel: "structured",
		FormChannels:   map[string]string{},
		Fallbacks: map[string]string{
			"structured":      "document_intake",
			"document_intake": "alternate_intake",
		},
		PermanentFallback: map[string][]string{
			"structured": {"invalid_address"},
		},
	}
}

// LoadChannelPolicy reads a YAML policy file. An empty path yields the
// defaults; sections absent from the file keep their default values.
func LoadChannelPolicy(path string) (ChannelPolicy, error) {
	policy := DefaultChannelPolicy()
	if strings.TrimSpace(path) == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return policy, nil
		}
		return ChannelPolicy{}, fmt.Errorf("read policy file: %w", err)
	}

	var fromFile ChannelPolicy
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return ChannelPolicy{}, fmt.Errorf("parse policy file: %w", err)
	}

	if fromFile.DefaultChannel != "" {
		policy.DefaultChannel = fromFile.DefaultChannel
	}
	if fromFile.FormChannels != nil {
		policy.FormChannels = fromFile.FormChannels
	}
	if fromFile.Rollout.Channel != "" {
		policy.Rollout = fromFile.Rollout
	}
	if fromFile.Fallbacks != nil {
		policy.Fallbacks = fromFile.Fallbacks
	}
	if fromFile.PermanentFallback != nil {
		policy.PermanentFallback = fromFile.PermanentFallback
	}

	if policy.Rollout.Percent < 0 || policy.Rollout.Percent > 100 {
		return ChannelPolicy{}, fmt.Errorf("rollout percent out of range: %d", policy.Rollout.Percent)
	}
	return policy, nil
}
