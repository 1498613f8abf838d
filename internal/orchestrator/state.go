package orchestrator

// State is the orchestrator lifecycle state.
type State string

const (
	Idle         State = "idle"
	SettingUp    State = "setting_up"
	Starting     State = "starting"
	WarmingUp    State = "warming_up"
	Ready        State = "ready"
	Failed       State = "failed"
	ShuttingDown State = "shutting_down"
)

// transitions lists the allowed successors of each state. A startup that
// is shut down passes through ShuttingDown on its way back to Idle.
var transitions = map[State][]State{
	Idle:         {SettingUp},
	SettingUp:    {Starting, Failed, ShuttingDown},
	Starting:     {WarmingUp, Failed, ShuttingDown},
	WarmingUp:    {Ready, Failed, ShuttingDown},
	Ready:        {ShuttingDown, Failed},
	Failed:       {SettingUp},
	ShuttingDown: {Idle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns every state, for metrics labels and API enums.
func AllStates() []string {
	return []string{
		string(Idle), string(SettingUp), string(Starting), string(WarmingUp),
		string(Ready), string(Failed), string(ShuttingDown),
	}
}

// starting reports whether s is one of the startup states a run owns.
func (s State) starting() bool {
	return s == SettingUp || s == Starting || s == WarmingUp
}
