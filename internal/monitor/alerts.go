package monitor

import "log"

// Level grades alert severity.
type Level string

const (
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// AlertSink receives operator-facing alerts.
type AlertSink interface {
	Alert(level Level, msg string)
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Alert(level Level, msg string) {
	log.Printf("[ALERT:%s] %s", level, msg)
}
