// Package domain defines the replay value types shared by the engine, its storage
// adapters and its transports: experiences, episodes, replay documents, screens and
// catalog entries.
package domain

import (
	"time"
)

// Experience is one recorded transition plus its capture timestamp. Values handed
// out by the engine are copies; the stored original is never mutated after append.
type Experience struct {
	State     []float64      `json:"state"`
	Action    int            `json:"action"`
	Reward    float64        `json:"reward"`
	NextState []float64      `json:"next_state"`
	Done      bool           `json:"done"`
	Timestamp float64        `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	VizData   map[string]any `json:"viz_data,omitempty"`
}

// Clone returns a deep copy of the experience.
func (e Experience) Clone() Experience {
	dup := e
	dup.State = append([]float64(nil), e.State...)
	dup.NextState = append([]float64(nil), e.NextState...)
	dup.Metadata = cloneAnyMap(e.Metadata)
	dup.VizData = cloneAnyMap(e.VizData)
	return dup
}

// Transition converts the experience into the tuple an agent memory accepts.
func (e Experience) Transition() Transition {
	return Transition{
		State:     append([]float64(nil), e.State...),
		Action:    e.Action,
		Reward:    e.Reward,
		NextState: append([]float64(nil), e.NextState...),
		Done:      e.Done,
	}
}

// Episode is an ordered sequence of experiences. Episodes stored in the engine are
// frozen: they are only ever replaced wholesale, never appended to.
type Episode []Experience

// Clone returns a deep copy of the episode.
func (ep Episode) Clone() Episode {
	if ep == nil {
		return nil
	}
	out := make(Episode, len(ep))
	for i, exp := range ep {
		out[i] = exp.Clone()
	}
	return out
}

// Rewards returns the reward sequence of the episode.
func (ep Episode) Rewards() []float64 {
	out := make([]float64, len(ep))
	for i, exp := range ep {
		out[i] = exp.Reward
	}
	return out
}

// CloneEpisodes deep-copies a slice of episodes.
func CloneEpisodes(in []Episode) []Episode {
	if in == nil {
		return nil
	}
	out := make([]Episode, len(in))
	for i, ep := range in {
		out[i] = ep.Clone()
	}
	return out
}

// TotalSteps sums the per-episode lengths.
func TotalSteps(episodes []Episode) int {
	total := 0
	for _, ep := range episodes {
		total += len(ep)
	}
	return total
}

// ReplayMetadata summarizes a persisted replay. TotalSteps is derived from the
// episodes at save time and recomputed on decode.
type ReplayMetadata struct {
	Timestamp    float64 `json:"timestamp"`
	EpisodeCount int     `json:"episodeCount"`
	TotalSteps   int     `json:"totalSteps"`
}

// ReplayFile is the canonical persisted replay document.
type ReplayFile struct {
	Episodes []Episode     `json:"episodes"`
	Metadata ReplayMetadata `json:"metadata"`
}

// CatalogEntry describes one persisted replay in a listing.
type CatalogEntry struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	Episodes int       `json:"episodes"`
	Steps    int       `json:"steps"`
}

// ObjectPosition places one environment object for a replay.
type ObjectPosition struct {
	Name     string         `json:"name"`
	Position []float64      `json:"position"`
	Rotation []float64      `json:"rotation,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// ReplayObjects is the companion document stored next to a replay.
type ReplayObjects struct {
	Filename        string           `json:"filename"`
	ObjectPositions []ObjectPosition `json:"objectPositions"`
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
