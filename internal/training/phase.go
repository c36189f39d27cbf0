package training

// State is where the orchestrator is in a run.
type State int

const (
	Idle State = iota
	PhaseOneTraining
	PhaseTwoFineTuning
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PhaseOneTraining:
		return "phase_one_training"
	case PhaseTwoFineTuning:
		return "phase_two_fine_tuning"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Phase is one block of epochs with a fixed trainable set and starting
// learning rate. FineTuneAt is the configured signed offset; UnfreezeFrom is
// the layer index it resolved to, nil while the backbone is frozen. Start and
// End ([Start, End) in global epochs) are filled in as the phase runs.
type Phase struct {
	ID              int     `json:"phase_id"`
	Name            string  `json:"name"`
	State           State   `json:"-"`
	FineTuneAt      *int    `json:"fine_tune_at"`
	UnfreezeFrom    *int    `json:"unfreeze_from_layer_index"`
	TrainableLayers int     `json:"trainable_layers"`
	LearningRate    float64 `json:"learning_rate"`
	Epochs          int     `json:"epochs"`
	Start           int     `json:"epoch_start"`
	End             int     `json:"epoch_end"`
}

// planPhases returns the phases for a run. The fine-tuning phase is included
// only when fine-tuning is configured and the backbone has layers to unfreeze.
func planPhases(cfg Config, backboneLayers int) []*Phase {
	phases := []*Phase{{
		ID:           1,
		Name:         "frozen_backbone",
		State:        PhaseOneTraining,
		LearningRate: cfg.LearningRate,
		Epochs:       cfg.Epochs,
	}}

	if cfg.FineTuneAt != nil && backboneLayers > 0 && cfg.FineTuneEpochs > 0 {
		at := *cfg.FineTuneAt
		phases = append(phases, &Phase{
			ID:           2,
			Name:         "fine_tuning",
			State:        PhaseTwoFineTuning,
			FineTuneAt:   &at,
			LearningRate: cfg.FineTuneLearningRate,
			Epochs:       cfg.FineTuneEpochs,
		})
	}
	return phases
}
