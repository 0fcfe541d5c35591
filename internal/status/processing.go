package status

// Processing is the derived status space persisted by epic and phase
// records. Every value maps back onto a canonical status.
type Processing string

const (
	ProcPending    Processing = "pending"
	ProcInProgress Processing = "in_progress"
	ProcReview     Processing = "review"
	ProcCompleted  Processing = "completed"
	ProcFailed     Processing = "failed"
	ProcQAPass     Processing = "qa_pass"
	ProcQAConcerns Processing = "qa_concerns"
	ProcQAFail     Processing = "qa_fail"
	ProcQAWaived   Processing = "qa_waived"
	ProcCancelled  Processing = "cancelled"
)

// ToProcessing maps a canonical status into the processing space. The
// mapping is total; Draft and Ready for Development both collapse to
// pending because neither has produced externally visible work yet.
func ToProcessing(s Status) Processing {
	switch s {
	case Draft, ReadyForDevelopment:
		return ProcPending
	case InProgress:
		return ProcInProgress
	case ReadyForReview:
		return ProcReview
	case ReadyForDone:
		return ProcQAPass
	case Done:
		return ProcCompleted
	case Failed:
		return ProcFailed
	default:
		return ProcPending
	}
}

// FromProcessing maps a processing status back onto a canonical one.
// The mapping is total. cancelled resumes at Ready for Development so
// that an externally interrupted story restarts from a safe point.
func FromProcessing(p Processing) Status {
	switch p {
	case ProcPending:
		return Draft
	case ProcInProgress:
		return InProgress
	case ProcReview:
		return ReadyForReview
	case ProcCompleted:
		return Done
	case ProcFailed, ProcQAFail:
		return Failed
	case ProcQAPass:
		return ReadyForDone
	case ProcQAConcerns:
		return InProgress
	case ProcQAWaived:
		return Done
	case ProcCancelled:
		return ReadyForDevelopment
	default:
		return Draft
	}
}
