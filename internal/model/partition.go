package model

import (
	"fmt"
	"time"
)

// PartitionState is the lifecycle state of a ledger partition.
type PartitionState string

const (
	PartitionPlanned  PartitionState = "planned"
	PartitionActive   PartitionState = "active"
	PartitionArchived PartitionState = "archived"
	PartitionDropped  PartitionState = "dropped"
)

// ExceptionsPartition holds exempt rows migrated out of dropped partitions.
const ExceptionsPartition = "activity_events_exceptions"

// Partition is one calendar month [Start, End) of activity event storage.
type Partition struct {
	Name        string         `json:"name"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	State       PartitionState `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	ArchivedAt  *time.Time     `json:"archived_at,omitempty"`
	DroppedAt   *time.Time     `json:"dropped_at,omitempty"`
	RowCount    int64          `json:"row_count"`
	ColdKey     string         `json:"cold_key,omitempty"`
}

// Covers reports whether t falls inside the partition range.
func (p *Partition) Covers(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Live reports whether the partition still holds rows.
func (p *Partition) Live() bool {
	return p.State != PartitionDropped
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PartitionName returns the physical name of the partition whose range starts at start.
func PartitionName(start time.Time) string {
	start = start.UTC()
	return fmt.Sprintf("activity_events_p%04d%02d", start.Year(), int(start.Month()))
}

// MonthlyPartition returns the planned partition covering t.
func MonthlyPartition(t time.Time) Partition {
	start := MonthStart(t)
	return Partition{
		Name:  PartitionName(start),
		Start: start,
		End:   start.AddDate(0, 1, 0),
		State: PartitionPlanned,
	}
}
