package queue

import (
	"slices"
	"time"
)

// Stage helpers are pure functions: they return a modified copy of the
// stage list and never touch the store. Persistence and event emission
// happen in JobContext.

// NewStages initializes an ordered stage list with every stage pending.
func NewStages(names ...string) []Stage {
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		stages = append(stages, Stage{
			Name:   name,
			Status: StatusPending,
		})
	}
	return stages
}

// StartStage marks the named stage processing. A stage missing from the
// list is appended, so handlers may report stages they did not declare
// upfront.
func StartStage(stages []Stage, name string, now time.Time) []Stage {
	out := cloneStages(stages)
	i := stageIndex(out, name)
	if i < 0 {
		out = append(out, Stage{Name: name})
		i = len(out) - 1
	}
	out[i].Status = StatusProcessing
	out[i].StartedAt = &now
	out[i].Progress = 0
	out[i].Error = ""
	return out
}

// SetStageProgress updates the 0-100 progress of the named stage.
func SetStageProgress(stages []Stage, name string, progress int) ([]Stage, error) {
	if progress < 0 || progress > 100 {
		return nil, ErrInvalidProgress
	}
	out := cloneStages(stages)
	i := stageIndex(out, name)
	if i < 0 {
		return nil, ErrStageNotFound
	}
	out[i].Progress = progress
	return out, nil
}

// CompleteStage marks the named stage completed at 100%, attaching any
// artifacts the handler produced.
func CompleteStage(stages []Stage, name string, artifacts map[string]string, now time.Time) ([]Stage, error) {
	out := cloneStages(stages)
	i := stageIndex(out, name)
	if i < 0 {
		return nil, ErrStageNotFound
	}
	out[i].Status = StatusCompleted
	out[i].Progress = 100
	out[i].CompletedAt = &now
	out[i].Error = ""
	if len(artifacts) > 0 {
		out[i].Artifacts = artifacts
	}
	return out, nil
}

// FailStage marks the named stage failed with the given error message.
func FailStage(stages []Stage, name, errMsg string, now time.Time) ([]Stage, error) {
	out := cloneStages(stages)
	i := stageIndex(out, name)
	if i < 0 {
		return nil, ErrStageNotFound
	}
	out[i].Status = StatusFailed
	out[i].CompletedAt = &now
	out[i].Error = errMsg
	return out, nil
}

// OverallProgress computes equal-weight overall progress across all stages.
func OverallProgress(stages []Stage) int {
	return WeightedProgress(stages, nil)
}

// WeightedProgress computes overall 0-100 progress, weighting each stage by
// weights[name]. Stages without an entry weigh 1. A completed stage counts
// as 100 regardless of its recorded progress.
func WeightedProgress(stages []Stage, weights map[string]int) int {
	if len(stages) == 0 {
		return 0
	}

	var total, done int
	for _, s := range stages {
		w := 1
		if weights != nil {
			if v, ok := weights[s.Name]; ok && v > 0 {
				w = v
			}
		}
		total += w * 100

		switch s.Status {
		case StatusCompleted:
			done += w * 100
		case StatusProcessing, StatusFailed:
			done += w * s.Progress
		}
	}

	if total == 0 {
		return 0
	}
	return done * 100 / total
}

func stageIndex(stages []Stage, name string) int {
	return slices.IndexFunc(stages, func(s Stage) bool { return s.Name == name })
}

func cloneStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}
