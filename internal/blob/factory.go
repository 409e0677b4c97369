package blob

import (
	"context"
	"fmt"
	"log/slog"
)

// Config selects and configures a blob driver.
type Config struct {
	Driver Driver
	FSRoot string // directory root when Driver is fs (default ./replays)
	S3     S3Config
	Logger *slog.Logger // driver warnings; nil discards
}

// Open selects a Store implementation from cfg. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot, cfg.Logger)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
