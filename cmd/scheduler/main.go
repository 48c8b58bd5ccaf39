// The scheduler process runs the daily maintenance pass: loyalty point
// expiration followed by due subscription deliveries.
package main

import (
	"context"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/fitkart/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig()
		if err != nil {
			return err
		}
		return appkg.RunScheduler(ctx, lg, m, cfg)
	})
}
