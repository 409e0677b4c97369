package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"replaycore/pkg/domain"
)

// Codec converts episodes to and from the persisted replay document. It holds no
// state beyond the clock used to stamp saves.
type Codec struct {
	now func() time.Time
}

// NewCodec returns a codec stamping documents with now (time.Now when nil).
func NewCodec(now func() time.Time) Codec {
	if now == nil {
		now = time.Now
	}
	return Codec{now: now}
}

// Encode renders the canonical {episodes, metadata} document. Zero episodes fail
// with domain.ErrEmptyInput; metadata values holding numeric containers are
// flattened to plain sequences.
func (c Codec) Encode(episodes []domain.Episode) ([]byte, domain.ReplayMetadata, error) {
	if len(episodes) == 0 {
		return nil, domain.ReplayMetadata{}, fmt.Errorf("%w: no episodes to save", domain.ErrEmptyInput)
	}
	out := make([]domain.Episode, len(episodes))
	for i, ep := range episodes {
		norm := make(domain.Episode, len(ep))
		for j, exp := range ep {
			if err := checkFinite("state", exp.State); err != nil {
				return nil, domain.ReplayMetadata{}, fmt.Errorf("episode %d step %d: %w", i, j, err)
			}
			if err := checkFinite("next_state", exp.NextState); err != nil {
				return nil, domain.ReplayMetadata{}, fmt.Errorf("episode %d step %d: %w", i, j, err)
			}
			if math.IsNaN(exp.Reward) || math.IsInf(exp.Reward, 0) {
				return nil, domain.ReplayMetadata{}, fmt.Errorf("episode %d step %d: %w: reward is not finite", i, j, domain.ErrUnsupportedValue)
			}
			exp.State = nonNil(exp.State)
			exp.NextState = nonNil(exp.NextState)
			exp.Metadata = normalizeMap(exp.Metadata)
			exp.VizData = normalizeMap(exp.VizData)
			norm[j] = exp
		}
		out[i] = norm
	}
	meta := domain.ReplayMetadata{
		Timestamp:    float64(c.now().UnixNano()) / float64(time.Second),
		EpisodeCount: len(out),
		TotalSteps:   domain.TotalSteps(out),
	}
	data, err := json.Marshal(domain.ReplayFile{Episodes: out, Metadata: meta})
	if err != nil {
		return nil, domain.ReplayMetadata{}, fmt.Errorf("%w: encode replay: %v", domain.ErrUnsupportedValue, err)
	}
	return data, meta, nil
}

// wireDocument accepts the canonical shape and the legacy flat shape
// {episodes, episode_count, timestamp, total_steps}.
type wireDocument struct {
	Episodes     []json.RawMessage `json:"episodes"`
	Metadata     *wireMetadata     `json:"metadata"`
	EpisodeCount *int              `json:"episode_count"`
	Timestamp    *float64          `json:"timestamp"`
}

type wireMetadata struct {
	Timestamp         float64 `json:"timestamp"`
	EpisodeCount      *int    `json:"episodeCount"`
	EpisodeCountSnake *int    `json:"episode_count"`
}

type wireEpisodeObject struct {
	Steps []wireExperience `json:"steps"`
}

type wireExperience struct {
	State     []float64      `json:"state"`
	Action    json.Number    `json:"action"`
	Reward    float64        `json:"reward"`
	NextState []float64      `json:"next_state"`
	Done      bool           `json:"done"`
	Timestamp float64        `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
	VizData   map[string]any `json:"viz_data"`
}

// Decode parses a replay document into canonical form. TotalSteps is always
// recomputed from the decoded episodes. Anything that does not parse as a
// replay fails with domain.ErrCorrupt.
func (c Codec) Decode(data []byte) (domain.ReplayFile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.ReplayFile{}, fmt.Errorf("%w: replay is not a JSON object", domain.ErrCorrupt)
	}
	var doc wireDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return domain.ReplayFile{}, fmt.Errorf("%w: %v", domain.ErrCorrupt, err)
	}
	if doc.Episodes == nil {
		return domain.ReplayFile{}, fmt.Errorf("%w: missing episodes", domain.ErrCorrupt)
	}
	episodes := make([]domain.Episode, len(doc.Episodes))
	for i, raw := range doc.Episodes {
		ep, err := decodeEpisode(raw)
		if err != nil {
			return domain.ReplayFile{}, fmt.Errorf("%w: episode %d: %v", domain.ErrCorrupt, i, err)
		}
		episodes[i] = ep
	}
	meta := domain.ReplayMetadata{EpisodeCount: len(episodes), TotalSteps: domain.TotalSteps(episodes)}
	switch {
	case doc.Metadata != nil:
		meta.Timestamp = doc.Metadata.Timestamp
		if doc.Metadata.EpisodeCount != nil {
			meta.EpisodeCount = *doc.Metadata.EpisodeCount
		} else if doc.Metadata.EpisodeCountSnake != nil {
			meta.EpisodeCount = *doc.Metadata.EpisodeCountSnake
		}
	default:
		if doc.Timestamp != nil {
			meta.Timestamp = *doc.Timestamp
		}
		if doc.EpisodeCount != nil {
			meta.EpisodeCount = *doc.EpisodeCount
		}
	}
	return domain.ReplayFile{Episodes: episodes, Metadata: meta}, nil
}

func decodeEpisode(raw json.RawMessage) (domain.Episode, error) {
	raw = bytes.TrimSpace(raw)
	var steps []wireExperience
	switch {
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &steps); err != nil {
			return nil, err
		}
	case len(raw) > 0 && raw[0] == '{':
		var obj wireEpisodeObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if obj.Steps == nil {
			return nil, fmt.Errorf("episode object without steps")
		}
		steps = obj.Steps
	default:
		return nil, fmt.Errorf("episode must be an array or an object with steps")
	}
	ep := make(domain.Episode, len(steps))
	for i, w := range steps {
		action, err := decodeAction(w.Action)
		if err != nil {
			return nil, fmt.Errorf("step %d: %v", i, err)
		}
		ep[i] = domain.Experience{
			State:     nonNil(w.State),
			Action:    action,
			Reward:    w.Reward,
			NextState: nonNil(w.NextState),
			Done:      w.Done,
			Timestamp: w.Timestamp,
			Metadata:  w.Metadata,
			VizData:   w.VizData,
		}
	}
	return ep, nil
}

func decodeAction(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("action %q is not an integer", n)
	}
	return int(f), nil
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
