package submission

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/iago/claims-intake-back/internal/config"
	"github.com/iago/claims-intake-back/internal/domain"
)

// ChannelSelector picks the primary channel for a claim. It is consulted
// once per work item, at enqueue time.
type ChannelSelector interface {
	Select(claim domain.Claim) domain.Channel
}

// ToggleSelector applies per-form overrides, then a percentage rollout keyed
// on the claim id, then the default channel.
type ToggleSelector struct {
	defaultChannel domain.Channel
	formChannels   map[string]domain.Channel
	rolloutChannel domain.Channel
	rolloutPercent int
}

func NewToggleSelector(policy config.ChannelPolicy) (*ToggleSelector, error) {
	selector := &ToggleSelector{
		defaultChannel: domain.Channel(policy.DefaultChannel),
		formChannels:   make(map[string]domain.Channel, len(policy.FormChannels)),
		rolloutPercent: policy.Rollout.Percent,
	}
	if !selector.defaultChannel.Valid() {
		return nil, fmt.Errorf("unknown default channel %q", policy.DefaultChannel)
	}
	for formType, name := range policy.FormChannels {
		channel := domain.Channel(name)
		if !channel.Valid() {
			return nil, fmt.Errorf("unknown channel %q for form %s", name, formType)
		}
		selector.formChannels[strings.ToUpper(strings.TrimSpace(formType))] = channel
	}
	if policy.Rollout.Channel != "" {
		selector.rolloutChannel = domain.Channel(policy.Rollout.Channel)
		if !selector.rolloutChannel.Valid() {
			return nil, fmt.Errorf("unknown rollout channel %q", policy.Rollout.Channel)
		}
	}
	if selector.rolloutPercent < 0 || selector.rolloutPercent > 100 {
		return nil, fmt.Errorf("rollout percent out of range: %d", selector.rolloutPercent)
	}
	return selector, nil
}

func (s *ToggleSelector) Select(claim domain.Claim) domain.Channel {
	if channel, ok := s.formChannels[strings.ToUpper(strings.TrimSpace(claim.FormType))]; ok {
		return channel
	}
	if s.rolloutChannel != "" && rolloutBucket(claim.ID) < s.rolloutPercent {
		return s.rolloutChannel
	}
	return s.defaultChannel
}

// rolloutBucket maps a claim id onto 0..99. A claim stays in its bucket for
// as long as the percentage does not change.
func rolloutBucket(claimID string) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(claimID))
	return int(hash.Sum32() % 100)
}

// FixedSelector always returns the same channel.
type FixedSelector domain.Channel

func (s FixedSelector) Select(domain.Claim) domain.Channel {
	return domain.Channel(s)
}
