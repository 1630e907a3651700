package config

import (
	"github.com/mitchellh/mapstructure"

	"github.com/weftworks/loom/pkg/support/exception"
)

// BindSettings binds a raw platform settings map onto an adapter's typed
// settings struct. Tags follow the yaml convention so the struct reads the
// same whether it came from the document or from a settings map.
func BindSettings(raw PlatformConfig, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "yaml",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return exception.New(moduleName, "failed to create settings decoder", err, false)
	}
	if err := decoder.Decode(map[string]interface{}(raw)); err != nil {
		return exception.New(moduleName, "failed to bind platform settings", err, false)
	}
	return nil
}
