package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()

	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("RECURSION ORCHESTRATOR")
	b.PrintCenteredText("Hierarchical Job Decomposition Engine")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintKeyValue("Max Depth", fmt.Sprintf("%d", config.Recursion.MaxDepth), 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Msg("Application started")

	fmt.Printf("Configuration:\n")
	fmt.Printf("   - Database: %s\n", maskDSN(config.Database.DSN))
	fmt.Printf("   - Web Interface: %s\n", serviceURL)
	fmt.Printf("   - Max recursion depth: %d\n", config.Recursion.MaxDepth)

	logFilePath := ""
	if loggerWithPath, ok := interface{}(logger).(interface{ GetLogFilePath() string }); ok {
		logFilePath = loggerWithPath.GetLogFilePath()
		if logFilePath != "" {
			fmt.Printf("   - Log File: %s\n", logFilePath)
		}
	}
	fmt.Printf("\n")

	logger.Info().
		Str("log_file", logFilePath).
		Int("max_depth", config.Recursion.MaxDepth).
		Int("bcrypt_cost", config.Auth.BcryptCost).
		Int("token_ttl_hours", config.Auth.TokenTTLHours).
		Msg("Configuration loaded")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the resolved per-depth worker quota table.
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Depth-scoped worker quotas:\n")
	for depth := 0; depth <= config.Recursion.MaxDepth; depth++ {
		if workers, ok := config.Recursion.WorkersByDepth[depth]; ok {
			fmt.Printf("   - depth %d: %d workers\n", depth, workers)
		}
	}

	logger.Info().
		Interface("workers_by_depth", config.Recursion.WorkersByDepth).
		Str("storage", "postgres").
		Msg("Resource quota table")
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return "(unconfigured)"
	}
	return "postgres://***@***"
}

// PrintShutdownBanner displays the application shutdown banner
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("RECURSION ORCHESTRATOR")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("Application shutting down")
}

// PrintColorizedMessage prints a message with specified color; logger is not used
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("[ok] %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("[error] %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("[warn] %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("[info] %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
