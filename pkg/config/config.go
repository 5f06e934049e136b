package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
)

// EnvPrefix turns a service name into its environment prefix:
// "bridge-service" -> "BRIDGE_SERVICE".
func EnvPrefix(service string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service))
}

// Load reads config/{service}.yaml (or ./{service}.yaml) into out. Environment variables
// override file values, e.g. BRIDGE_SERVICE_MPESA_CONSUMER_KEY -> mpesa.consumer_key.
func Load(service string, out interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	logger.Info(context.Background(), "config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))
	return v, nil
}

// LoadAndWatch is Load plus a file watch. On every change the file is decoded into a
// fresh value produced by newOut and handed to onChange; out itself is never written
// after the first load, so readers of out need no locking.
func LoadAndWatch(service string, out interface{}, newOut func() interface{}, onChange func(interface{})) (*viper.Viper, error) {
	v, err := Load(service, out)
	if err != nil {
		return nil, err
	}
	if newOut == nil || onChange == nil {
		return v, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(context.Background(), "config file changed", zap.String("service", service), zap.String("file", e.Name))

		next := newOut()
		if err := v.Unmarshal(next); err != nil {
			logger.Error(context.Background(), "reload config failed", zap.String("service", service), zap.Error(err))
			return
		}
		onChange(next)
		logger.Info(context.Background(), "config reloaded", zap.String("service", service))
	})
	v.WatchConfig()

	return v, nil
}
