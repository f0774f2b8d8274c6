package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"
)

// palette carries the few pterm styles the styled helpers use.
type palette struct {
	Server         pterm.Style
	HealthHealthy  pterm.Style
	HealthDegraded pterm.Style
	HealthDown     pterm.Style
	Counts         pterm.Style
}

var defaultPalette = palette{
	Server:         pterm.Style{pterm.FgCyan},
	HealthHealthy:  pterm.Style{pterm.FgGreen},
	HealthDegraded: pterm.Style{pterm.FgYellow},
	HealthDown:     pterm.Style{pterm.FgRed},
	Counts:         pterm.Style{pterm.FgLightMagenta},
}

// StyledLogger wraps slog.Logger with fleet-aware formatting helpers.
type StyledLogger struct {
	logger  *slog.Logger
	palette palette
}

func NewStyledLogger(logger *slog.Logger) *StyledLogger {
	return &StyledLogger{logger: logger, palette: defaultPalette}
}

func (sl *StyledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *StyledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *StyledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *StyledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

// With returns a StyledLogger carrying extra attributes.
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...), palette: sl.palette}
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.palette.Counts.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithServer(msg string, server string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.palette.Server.Sprint(server))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithServer(msg string, server string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.palette.Server.Sprint(server))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithServer(msg string, server string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.palette.Server.Sprint(server))
	sl.logger.Error(styledMsg, args...)
}

// InfoHealthStatus logs a health transition with the status coloured by
// severity.
func (sl *StyledLogger) InfoHealthStatus(msg string, server string, healthy bool, args ...any) {
	style := sl.palette.HealthDown
	statusText := "unhealthy"
	if healthy {
		style = sl.palette.HealthHealthy
		statusText = "healthy"
	}
	styledMsg := fmt.Sprintf("%s %s %s", msg, sl.palette.Server.Sprint(server), style.Sprint(statusText))
	sl.logger.Info(styledMsg, args...)
}
