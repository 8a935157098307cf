// Package main はコレクションを操作する管理用 CLI です。
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/app"
	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/logging"
)

func main() {
	load := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return app.New(ctx, cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
	}

	if err := newRootCmd(load).Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
