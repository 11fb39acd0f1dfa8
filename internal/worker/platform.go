package worker

import (
	"log/slog"
	"os"
)

// setupPlatform applies the target-platform hint to the worker environment.
// CMake reads CMAKE_GENERATOR_PLATFORM for generators that support a platform
// selection; other generators ignore it.
func setupPlatform(platform string, logger *slog.Logger) error {
	if platform == "" {
		return nil
	}
	if err := os.Setenv("CMAKE_GENERATOR_PLATFORM", platform); err != nil {
		return err
	}
	logger.Info("target platform set", "platform", platform)
	return nil
}
