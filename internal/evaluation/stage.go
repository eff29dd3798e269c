package evaluation

import "sort"

// Stage is the forward-moving lifecycle marker of an evaluation.
type Stage string

const (
	StageStarted           Stage = "started"
	StageQuestionnaireDone Stage = "questionnaire_done"
	StageAIAnalyzed        Stage = "ai_analyzed"
	StagePaymentPending    Stage = "payment_pending"
	StagePaymentDone       Stage = "payment_done"
	StageAppointmentBooked Stage = "appointment_booked"
	StageCompleted         Stage = "completed"
	StageCancelled         Stage = "cancelled"
)

var stageRank = map[Stage]int{
	StageStarted:           1,
	StageQuestionnaireDone: 2,
	StageAIAnalyzed:        3,
	StagePaymentPending:    4,
	StagePaymentDone:       5,
	StageAppointmentBooked: 6,
	StageCompleted:         7,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok || s == StageCancelled
}

// Terminal reports whether no further transition is allowed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCancelled
}

// Rank orders the linear stages. Cancelled has no rank.
func (s Stage) Rank() int {
	return stageRank[s]
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle
// monotonic. Staying on the same stage is allowed and is a no-op.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StageCancelled {
		return true
	}
	return next.Rank() > s.Rank()
}

// PriorStages lists the stages from which next is reachable, used to build
// conditional updates.
func PriorStages(next Stage) []Stage {
	var out []Stage
	for s := range stageRank {
		if s != next && s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}
