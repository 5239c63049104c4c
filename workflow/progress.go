package workflow

// Progress is the read-only summary shown to participants.
type Progress struct {
	CurrentStepIndex int
	CurrentStep      StepKey
	TotalSteps       int
	CompletedSteps   int
	Percentage       int
	Complete         bool
}

func (s FlowState) Progress() Progress {
	total := TotalSteps()
	completed := 0
	for _, key := range Steps() {
		if s.Steps[key].CompletedAt != nil {
			completed++
		}
	}
	return Progress{
		CurrentStepIndex: s.CurrentStep,
		CurrentStep:      s.CurrentStepKey(),
		TotalSteps:       total,
		CompletedSteps:   completed,
		Percentage:       completed * 100 / total,
		Complete:         s.IsComplete(),
	}
}
