package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/storyflow/internal/bus"
)

// Metrics holds the pipeline metric instruments.
type Metrics struct {
	StoryTransitions metric.Int64Counter
	StoriesCompleted metric.Int64Counter
	StoriesFailed    metric.Int64Counter
	SDKCallDuration  metric.Float64Histogram
	SDKRetries       metric.Int64Counter
	SDKCancelled     metric.Int64Counter
	QualityRounds    metric.Int64Counter
	TestRounds       metric.Int64Counter
	EpicsActive      metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StoryTransitions, err = meter.Int64Counter("storyflow.story.transitions",
		metric.WithDescription("Committed story status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.StoriesCompleted, err = meter.Int64Counter("storyflow.story.completed",
		metric.WithDescription("Stories reaching Done"),
	)
	if err != nil {
		return nil, err
	}

	m.StoriesFailed, err = meter.Int64Counter("storyflow.story.failed",
		metric.WithDescription("Stories reaching Failed"),
	)
	if err != nil {
		return nil, err
	}

	m.SDKCallDuration, err = meter.Float64Histogram("storyflow.sdk.duration",
		metric.WithDescription("Agent invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SDKRetries, err = meter.Int64Counter("storyflow.sdk.retries",
		metric.WithDescription("Transport-level session rebuilds"),
	)
	if err != nil {
		return nil, err
	}

	m.SDKCancelled, err = meter.Int64Counter("storyflow.sdk.cancelled",
		metric.WithDescription("Invocations observing an external cancel"),
	)
	if err != nil {
		return nil, err
	}

	m.QualityRounds, err = meter.Int64Counter("storyflow.quality.rounds",
		metric.WithDescription("Static-analysis repair rounds executed"),
	)
	if err != nil {
		return nil, err
	}

	m.TestRounds, err = meter.Int64Counter("storyflow.test.rounds",
		metric.WithDescription("Test repair rounds executed"),
	)
	if err != nil {
		return nil, err
	}

	m.EpicsActive, err = meter.Int64UpDownCounter("storyflow.epic.active",
		metric.WithDescription("Epics currently being processed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observe subscribes the instruments to the event bus. The returned
// stop function unsubscribes.
func (m *Metrics) Observe(b *bus.Bus) func() {
	storySub := b.Subscribe("story.")
	sdkSub := b.Subscribe("sdk.")
	phaseSub := b.Subscribe("phase.")
	epicSub := b.Subscribe("epic.")
	done := make(chan struct{})

	go func() {
		defer close(done)
		ctx := context.Background()
		for {
			select {
			case ev, ok := <-storySub.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicStoryStateChanged:
					m.StoryTransitions.Add(ctx, 1)
				case bus.TopicStoryCompleted:
					m.StoriesCompleted.Add(ctx, 1)
				case bus.TopicStoryFailed:
					m.StoriesFailed.Add(ctx, 1)
				}
			case ev, ok := <-sdkSub.Ch():
				if !ok {
					return
				}
				payload, isSDK := ev.Payload.(bus.SDKEvent)
				switch ev.Topic {
				case bus.TopicSDKFinished:
					if isSDK {
						m.SDKCallDuration.Record(ctx, payload.Elapsed,
							metric.WithAttributes(attribute.String("role", payload.Role)))
					}
				case bus.TopicSDKRetrying:
					m.SDKRetries.Add(ctx, 1)
				case bus.TopicSDKCancelled:
					m.SDKCancelled.Add(ctx, 1)
				}
			case ev, ok := <-phaseSub.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicQualityRound:
					m.QualityRounds.Add(ctx, 1)
				case bus.TopicTestRound:
					m.TestRounds.Add(ctx, 1)
				}
			case ev, ok := <-epicSub.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicEpicStarted:
					m.EpicsActive.Add(ctx, 1)
				case bus.TopicEpicCompleted:
					m.EpicsActive.Add(ctx, -1)
				}
			}
		}
	}()

	return func() {
		b.Unsubscribe(storySub)
		b.Unsubscribe(sdkSub)
		b.Unsubscribe(phaseSub)
		b.Unsubscribe(epicSub)
		<-done
	}
}
