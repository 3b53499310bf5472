package submission

import (
	"fmt"

	"github.com/iago/claims-intake-back/internal/config"
	"github.com/iago/claims-intake-back/internal/domain"
)

// FailurePolicy says where a channel falls back to and which permanent
// failure kinds escalate to that fallback. Validation, internal and
// transient failures never escalate.
type FailurePolicy struct {
	fallbacks map[domain.Channel]domain.Channel
	escalate  map[domain.Channel]map[domain.FailureKind]bool
}

var escalatableKinds = map[domain.FailureKind]bool{
	domain.FailureClientError:    true,
	domain.FailureRejected:       true,
	domain.FailureInvalidAddress: true,
}

func NewFailurePolicy(policy config.ChannelPolicy) (FailurePolicy, error) {
	result := FailurePolicy{
		fallbacks: make(map[domain.Channel]domain.Channel, len(policy.Fallbacks)),
		escalate:  make(map[domain.Channel]map[domain.FailureKind]bool, len(policy.PermanentFallback)),
	}
	for from, to := range policy.Fallbacks {
		source, target := domain.Channel(from), domain.Channel(to)
		if !source.Valid() || !target.Valid() {
			return FailurePolicy{}, fmt.Errorf("invalid fallback %s -> %s", from, to)
		}
		if source == target {
			return FailurePolicy{}, fmt.Errorf("channel %s cannot fall back to itself", from)
		}
		result.fallbacks[source] = target
	}
	for start := range result.fallbacks {
		seen := map[domain.Channel]bool{start: true}
		for current, ok := result.fallbacks[start]; ok; current, ok = result.fallbacks[current] {
			if seen[current] {
				return FailurePolicy{}, fmt.Errorf("fallback cycle through channel %s", current)
			}
			seen[current] = true
		}
	}

	for name, kinds := range policy.PermanentFallback {
		channel := domain.Channel(name)
		if !channel.Valid() {
			return FailurePolicy{}, fmt.Errorf("unknown channel %q in permanent fallback table", name)
		}
		set := make(map[domain.FailureKind]bool, len(kinds))
		for _, kind := range kinds {
			failureKind := domain.FailureKind(kind)
			if !escalatableKinds[failureKind] {
				return FailurePolicy{}, fmt.Errorf("failure kind %q cannot trigger fallback", kind)
			}
			set[failureKind] = true
		}
		result.escalate[channel] = set
	}
	return result, nil
}

func (p FailurePolicy) Fallback(channel domain.Channel) (domain.Channel, bool) {
	next, ok := p.fallbacks[channel]
	return next, ok
}

// Escalates reports whether a permanent failure of kind on channel is
// treated as exhaustion, which dispatches the fallback.
func (p FailurePolicy) Escalates(channel domain.Channel, kind domain.FailureKind) bool {
	if _, ok := p.fallbacks[channel]; !ok {
		return false
	}
	return p.escalate[channel][kind]
}
