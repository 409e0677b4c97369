package domain

import "testing"

func TestExperienceCloneIsDeep(t *testing.T) {
	orig := Experience{
		State:     []float64{1, 2},
		NextState: []float64{3, 4},
		Metadata:  map[string]any{"delay_ms": 10},
		VizData:   map[string]any{"timeLeft": 5.0},
	}
	dup := orig.Clone()
	dup.State[0] = 99
	dup.NextState[0] = 99
	dup.Metadata["delay_ms"] = 20
	dup.VizData["timeLeft"] = 1.0

	if orig.State[0] != 1 || orig.NextState[0] != 3 {
		t.Fatalf("clone shares sequences with original")
	}
	if orig.Metadata["delay_ms"] != 10 || orig.VizData["timeLeft"] != 5.0 {
		t.Fatalf("clone shares maps with original")
	}
}

func TestEpisodeHelpers(t *testing.T) {
	episodes := []Episode{
		{{Reward: 1}, {Reward: 2}},
		{{Reward: -1}},
	}
	if got := TotalSteps(episodes); got != 3 {
		t.Fatalf("TotalSteps=%d want 3", got)
	}
	rewards := episodes[0].Rewards()
	if len(rewards) != 2 || rewards[1] != 2 {
		t.Fatalf("unexpected rewards %v", rewards)
	}
	cloned := CloneEpisodes(episodes)
	cloned[0][0].Reward = 42
	if episodes[0][0].Reward != 1 {
		t.Fatalf("CloneEpisodes must not alias")
	}
	if CloneEpisodes(nil) != nil || Episode(nil).Clone() != nil {
		t.Fatalf("nil input must clone to nil")
	}
}

func TestExperienceTransition(t *testing.T) {
	exp := Experience{State: []float64{1}, Action: 2, Reward: 0.5, NextState: []float64{2}, Done: true}
	tr := exp.Transition()
	tr.State[0] = 9
	if exp.State[0] != 1 {
		t.Fatalf("transition must copy state")
	}
	if tr.Action != 2 || tr.Reward != 0.5 || !tr.Done || tr.NextState[0] != 2 {
		t.Fatalf("unexpected transition %+v", tr)
	}
}
