package orchestrator

import (
	"fmt"
	"time"
)

// Period keys identify one firing window of a job in the run ledger.
// All keys are computed in UTC.

// QuarterPeriod returns the calendar-quarter key, e.g. "2026-Q3"
func QuarterPeriod(now time.Time) string {
	now = now.UTC()
	quarter := (int(now.Month())-1)/3 + 1
	return fmt.Sprintf("%d-Q%d", now.Year(), quarter)
}

// DayPeriod returns the calendar-day key, e.g. "2026-08-30"
func DayPeriod(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// WeekPeriod returns the ISO-week key, e.g. "2026-W35"
func WeekPeriod(now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Reminder milestones in days remaining before the due date
var reminderMilestones = []int{7, 3, 1}

// Escalation milestones in days overdue
var escalationMilestones = []int{3, 7, 14}

// autoApproveAfterDays is the overdue age at which the timeout policy
// kicks in for campaigns that opted into auto-approval.
const autoApproveAfterDays = 7

// dayNumber counts whole days since the epoch for a date, UTC
func dayNumber(t time.Time) int {
	t = t.UTC()
	return int(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// DaysRemaining returns whole calendar days until the due date.
// Negative once the due date has passed.
func DaysRemaining(now, dueDate time.Time) int {
	return dayNumber(dueDate) - dayNumber(now)
}

// DaysOverdue returns whole calendar days past the due date, zero if
// not yet due.
func DaysOverdue(now, dueDate time.Time) int {
	overdue := dayNumber(now) - dayNumber(dueDate)
	if overdue < 0 {
		return 0
	}
	return overdue
}

// ReminderDue reports whether today is exactly a reminder milestone
func ReminderDue(daysRemaining int) bool {
	for _, m := range reminderMilestones {
		if daysRemaining == m {
			return true
		}
	}
	return false
}

// EscalationsDue returns every escalation milestone reached by the
// current overdue age. Reached milestones that already fired are
// deduplicated downstream by the escalation ledger, so a pass that
// missed a day still catches up.
func EscalationsDue(daysOverdue int) []int {
	due := []int{}
	for _, m := range escalationMilestones {
		if daysOverdue >= m {
			due = append(due, m)
		}
	}
	return due
}

// AutoApproveDue reports whether the timeout policy applies
func AutoApproveDue(daysOverdue int) bool {
	return daysOverdue >= autoApproveAfterDays
}
