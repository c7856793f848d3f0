// Package notify delivers "schedule changed" signals produced by the sync
// cycle. Delivery is fire-and-forget: the core's contract ends at producing
// per-group affected-date sets.
package notify

import (
	"context"
	"strings"
	"time"

	"schedsync/internal/schedule"
	"schedsync/pkg/logx"
)

// Notifier receives one call per group whose schedule changed in a cycle.
type Notifier interface {
	ScheduleChanged(ctx context.Context, group schedule.Group, dates []time.Time) error
}

// Log is the default notifier: it only records the change.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (n *Log) ScheduleChanged(ctx context.Context, group schedule.Group, dates []time.Time) error {
	n.log.Info("schedule change",
		logx.Int64("group_id", group.ID),
		logx.String("group", group.Title),
		logx.Int("dates", len(dates)),
	)
	return nil
}

// formatMessage renders the Telegram text for one group's change set.
func formatMessage(group schedule.Group, dates []time.Time) string {
	var b strings.Builder
	b.WriteString("📅 Изменения в расписании <b>")
	b.WriteString(group.Title)
	b.WriteString("</b>\n")
	for _, d := range dates {
		b.WriteString("• ")
		b.WriteString(d.Format(schedule.DateFormat))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
