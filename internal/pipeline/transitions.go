package pipeline

import (
	"time"

	"github.com/codebuildervaibhav/lecture-digest/internal/config"
	"github.com/codebuildervaibhav/lecture-digest/internal/retry"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// transition is one row of the state machine. A stage may start from the
// previous stage's done status, or from its own running status when a
// delivery is repeated or a retry is due.
type transition struct {
	stage   types.Stage
	from    []types.Status
	running types.Status
	next    types.Status
}

var transitions = []transition{
	{
		stage:   types.StageAcquisition,
		from:    []types.Status{types.StatusPending, types.StatusAcquiring},
		running: types.StatusAcquiring,
		next:    types.StatusAcquired,
	},
	{
		stage:   types.StageTranscription,
		from:    []types.Status{types.StatusAcquired, types.StatusTranscribing},
		running: types.StatusTranscribing,
		next:    types.StatusTranscribed,
	},
	{
		stage:   types.StageSummarization,
		from:    []types.Status{types.StatusTranscribed, types.StatusSummarizing},
		running: types.StatusSummarizing,
		next:    types.StatusSummarized,
	},
	{
		stage:   types.StageFinalization,
		from:    []types.Status{types.StatusSummarized, types.StatusFinalizing},
		running: types.StatusFinalizing,
		next:    types.StatusCompleted,
	},
}

// transitionFor returns the row whose stage may start from status
func transitionFor(status types.Status) (transition, bool) {
	for _, tr := range transitions {
		for _, from := range tr.from {
			if from == status {
				return tr, true
			}
		}
	}
	return transition{}, false
}

// StagePolicy bounds one stage: its retry policy and the timeout of each attempt
type StagePolicy struct {
	retry.Policy
	Timeout time.Duration
}

// PoliciesFromConfig builds the per-stage policies
func PoliciesFromConfig(cfg config.PipelineConfig) map[types.Stage]StagePolicy {
	build := func(c config.StagePolicyConfig) StagePolicy {
		return StagePolicy{
			Policy:  retry.Default(c.MaxAttempts, c.InitialBackoff, c.MaxBackoff),
			Timeout: c.Timeout,
		}
	}
	return map[types.Stage]StagePolicy{
		types.StageAcquisition:   build(cfg.Acquisition),
		types.StageTranscription: build(cfg.Transcription),
		types.StageSummarization: build(cfg.Summarization),
		types.StageFinalization:  build(cfg.Finalization),
	}
}
