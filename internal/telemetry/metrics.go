package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the pipeline instruments
type Metrics struct {
	StageDuration  metric.Float64Histogram
	StageOutcomes  metric.Int64Counter
	SummarizeCalls metric.Int64Counter
	TasksAdmitted  metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StageDuration, err = meter.Float64Histogram("digest.stage.duration",
		metric.WithDescription("Pipeline stage attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageOutcomes, err = meter.Int64Counter("digest.stage.outcomes",
		metric.WithDescription("Stage attempts by outcome (advanced, retry, failed)"),
	)
	if err != nil {
		return nil, err
	}

	m.SummarizeCalls, err = meter.Int64Counter("digest.summarize.calls",
		metric.WithDescription("Summarization capability calls by mode"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAdmitted, err = meter.Int64Counter("digest.tasks.admitted",
		metric.WithDescription("Tasks created at admission"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
