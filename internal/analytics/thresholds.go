package analytics

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/agentworkforce/relayhub/internal/notify"
)

const (
	DefaultEngagementSpikePercent = 50
	DefaultEngagementField        = "engagementRate"
)

var (
	DefaultMilestones      = []float64{1000, 5000, 10000, 50000, 100000, 500000, 1000000}
	DefaultMilestoneFields = []string{"reach", "followers"}
)

// Thresholds are static alert rules. The engine swaps them atomically on
// configuration reload.
type Thresholds struct {
	EngagementSpikePercent float64
	EngagementField        string
	Milestones             []float64
	MilestoneFields        []string
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		EngagementSpikePercent: DefaultEngagementSpikePercent,
		EngagementField:        DefaultEngagementField,
		Milestones:             append([]float64(nil), DefaultMilestones...),
		MilestoneFields:        append([]string(nil), DefaultMilestoneFields...),
	}
}

func (t Thresholds) normalized() Thresholds {
	if t.EngagementSpikePercent <= 0 {
		t.EngagementSpikePercent = DefaultEngagementSpikePercent
	}
	if t.EngagementField == "" {
		t.EngagementField = DefaultEngagementField
	}
	if len(t.Milestones) == 0 {
		t.Milestones = DefaultMilestones
	}
	if len(t.MilestoneFields) == 0 {
		t.MilestoneFields = DefaultMilestoneFields
	}
	milestones := append([]float64(nil), t.Milestones...)
	sort.Float64s(milestones)
	t.Milestones = milestones
	return t
}

func (t Thresholds) isMilestone(v float64) bool {
	i := sort.SearchFloat64s(t.Milestones, v)
	return i < len(t.Milestones) && t.Milestones[i] == v
}

type alertKind string

const (
	alertEngagementSpike alertKind = "engagement_spike"
	alertMilestone       alertKind = "milestone"
)

type alert struct {
	kind    alertKind
	request notify.Request
}

// evaluate returns the alerts one tick raises. A spike needs the
// engagement field to rise by at least the threshold percentage. A
// milestone needs a watched field to change onto a milestone value.
func (t Thresholds) evaluate(subscriptionID string, previous, current Snapshot, deltas map[string]Delta) []alert {
	if previous == nil {
		return nil
	}
	var alerts []alert
	if d, ok := deltas[t.EngagementField]; ok && d.Direction == DirectionUp && d.Percentage >= t.EngagementSpikePercent {
		alerts = append(alerts, alert{
			kind: alertEngagementSpike,
			request: notify.Request{
				Type:     "analytics.engagement_spike",
				Title:    "Engagement spike",
				Message:  fmt.Sprintf("%s rose %s%% from %s to %s", t.EngagementField, formatNumber(d.Percentage), formatNumber(previous[t.EngagementField]), formatNumber(current[t.EngagementField])),
				Priority: notify.PriorityHigh,
				Payload: map[string]any{
					"subscriptionId": subscriptionID,
					"metric":         t.EngagementField,
					"previous":       previous[t.EngagementField],
					"current":        current[t.EngagementField],
					"percentage":     d.Percentage,
				},
			},
		})
	}
	for _, field := range t.MilestoneFields {
		now, ok := current[field]
		if !ok || previous[field] == now || !t.isMilestone(now) {
			continue
		}
		alerts = append(alerts, alert{
			kind: alertMilestone,
			request: notify.Request{
				Type:     "analytics.milestone",
				Title:    "Milestone reached",
				Message:  fmt.Sprintf("%s reached %s", field, formatNumber(now)),
				Priority: notify.PriorityMedium,
				Payload: map[string]any{
					"subscriptionId": subscriptionID,
					"metric":         field,
					"value":          now,
				},
			},
		})
	}
	return alerts
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
