package bootstrap

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"orthrus/config"
)

// InitLogger builds the zap logger from logging config. The console
// format is meant for local development; production deployments use
// the default JSON encoder.
func InitLogger(cfg config.LoggingConfig) (*zap.Logger, *zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads configuration from the given path (empty means
// defaults plus ORTHRUS_ environment overrides only).
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		return nil, err
	}
	return cfg, nil
}

// resolveSecrets replaces secret:// references in credential fields
// with values from the configured secret provider.
func resolveSecrets(ctx context.Context, cfg *config.Config, secrets *config.SecretManager) error {
	fields := []*string{
		&cfg.Auth.JWTSecret,
		&cfg.Auth.AdminPassword,
		&cfg.ClickHouse.Password,
		&cfg.Redis.Password,
	}
	for _, field := range fields {
		resolved, err := secrets.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("resolve secret reference: %w", err)
		}
		*field = resolved
	}
	for name, ch := range cfg.Notifications.Channels {
		resolved, err := secrets.Resolve(ctx, ch.Password)
		if err != nil {
			return fmt.Errorf("resolve secret for channel %q: %w", name, err)
		}
		ch.Password = resolved
		cfg.Notifications.Channels[name] = ch
	}
	return nil
}
