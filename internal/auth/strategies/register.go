package strategies

import "github.com/gatewd/gatewd/internal/plugin"

// Register registers the built-in strategies into the registry under
// the authentication strategy kind.
func Register(registry *plugin.Registry) {
	registry.Register(plugin.KindAuthStrategy, "basic", func(options map[string]interface{}) (interface{}, error) {
		return NewBasicStrategy(options)
	})
	registry.Register(plugin.KindAuthStrategy, "apikey", func(options map[string]interface{}) (interface{}, error) {
		return NewAPIKeyStrategy(options)
	})
	registry.Register(plugin.KindAuthStrategy, "jwt", func(options map[string]interface{}) (interface{}, error) {
		return NewJWTStrategy(options)
	})
}
