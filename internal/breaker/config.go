package breaker

import (
	"errors"

	"github.com/gatewd/gatewd/internal/config"
)

// ErrMultipleDefaults is returned when an API carries more than one
// group-less breaker entry.
var ErrMultipleDefaults = errors.New("more than one default circuit breaker entry")

// SortConfigs orders breaker entries so that group-scoped entries are
// evaluated first and the default (group-less) entry acts as a
// catch-all at the end. More than one default rejects the whole list:
// no breaker stage of this kind is installed for the API.
func SortConfigs(configs []config.CircuitBreakerConfig) ([]config.CircuitBreakerConfig, error) {
	var scoped, defaults []config.CircuitBreakerConfig

	for _, c := range configs {
		if c.HasGroup() {
			scoped = append(scoped, c)
		} else {
			defaults = append(defaults, c)
		}
	}

	if len(defaults) > 1 {
		return nil, ErrMultipleDefaults
	}

	return append(scoped, defaults...), nil
}
