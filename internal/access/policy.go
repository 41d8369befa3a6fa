package access

import (
	"sort"

	"github.com/medrex/healthchain/pkg/config"
	"github.com/medrex/healthchain/pkg/types"
)

// DurationPolicy decides which grant durations a provider may request.
type DurationPolicy struct {
	Mode        string
	AllowedDays []int
	MaxDays     int
}

// DefaultDurationPolicy allows 1, 7, 14 or 30 days.
func DefaultDurationPolicy() DurationPolicy {
	return DurationPolicy{
		Mode:        config.DurationPolicyEnumerated,
		AllowedDays: []int{1, 7, 14, 30},
		MaxDays:     30,
	}
}

// PolicyFromConfig builds the policy from the access section.
func PolicyFromConfig(cfg config.AccessConfig) DurationPolicy {
	p := DurationPolicy{
		Mode:        cfg.DurationPolicy,
		AllowedDays: append([]int(nil), cfg.AllowedDurationDays...),
		MaxDays:     cfg.MaxDurationDays,
	}
	sort.Ints(p.AllowedDays)
	return p
}

// Check returns InvalidDuration when days is not acceptable.
func (p DurationPolicy) Check(days int) error {
	if days <= 0 || (p.MaxDays > 0 && days > p.MaxDays) {
		return p.reject(days)
	}
	if p.Mode == config.DurationPolicyBounded {
		return nil
	}
	for _, allowed := range p.AllowedDays {
		if days == allowed {
			return nil
		}
	}
	return p.reject(days)
}

func (p DurationPolicy) reject(days int) error {
	details := map[string]interface{}{
		"duration_days": days,
		"max_days":      p.MaxDays,
	}
	if p.Mode != config.DurationPolicyBounded {
		details["allowed_days"] = p.AllowedDays
	}
	return types.NewInvalidDurationError("requested duration is not allowed", details)
}
