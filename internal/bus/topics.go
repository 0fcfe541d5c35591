package bus

// Story lifecycle topics.
const (
	TopicStoryStateChanged = "story.state_changed"
	TopicStoryFailed       = "story.failed"
	TopicStoryCompleted    = "story.completed"
)

// SDK invocation topics.
const (
	TopicSDKStarted   = "sdk.started"
	TopicSDKRetrying  = "sdk.retrying"
	TopicSDKFinished  = "sdk.finished"
	TopicSDKCancelled = "sdk.cancelled"
)

// Epic phase topics.
const (
	TopicEpicStarted        = "epic.started"
	TopicEpicCompleted      = "epic.completed"
	TopicQualityRound       = "phase.quality.round"
	TopicQualityCompleted   = "phase.quality.completed"
	TopicTestRound          = "phase.test.round"
	TopicTestPhaseCompleted = "phase.test.completed"
)

// StoryStateChangedEvent is published on every committed story
// transition.
type StoryStateChangedEvent struct {
	StoryPath string
	EpicPath  string
	OldStatus string
	NewStatus string
	Phase     string
	Iteration int
	Version   int64
}

// SDKEvent is published around SDK invocations.
type SDKEvent struct {
	Role    string
	Story   string
	Attempt int
	Kind    string // result kind or retry reason
	Elapsed float64
}

// PhaseRoundEvent is published per quality/test phase round.
type PhaseRoundEvent struct {
	EpicID    string
	Round     int
	DirtyLeft int
}

// EpicEvent is published when epic processing starts or finishes.
type EpicEvent struct {
	EpicID    string
	EpicPath  string
	Status    string
	Total     int
	Completed int
	Failed    int
}
