package utils

import (
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// DurationHookFunc decodes strings such as "10m" or "1d" into time.Duration.
func DurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return time.Duration(0), nil
		}
		return ParseDuration(s)
	}
}

// DecodeHook is the hook used for every configuration file: durations with a
// day suffix and text-encoded enums such as punishment kinds.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		DurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
