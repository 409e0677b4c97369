package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Screen is a display-oriented projection of one recorded step. Screens are
// derived on demand and cached; they are never persisted.
type Screen struct {
	ScreenID      string           `json:"screen_id"`
	Episode       int              `json:"episode"`
	Step          int              `json:"step"`
	Action        int              `json:"action"`
	ActionLabel   string           `json:"action_label,omitempty"`
	Reward        float64          `json:"reward"`
	State         []float64        `json:"state"`
	RobotPosition []float64        `json:"robotPosition"`
	RobotRotation []float64        `json:"robotRotation"`
	Detections    []map[string]any `json:"detections"`
	TargetObject  int              `json:"targetObject"`
	TimeLeft      float64          `json:"timeLeft"`
	CameraView    string           `json:"cameraView,omitempty"`
}

// ScreenID formats the cache key for an episode/step pair.
func ScreenID(episode, step int) string {
	return fmt.Sprintf("ep%d_step%d", episode, step)
}

// ParseScreenID extracts the episode and step indices from an id of the form
// ep<int>_step<int>. Malformed ids yield an error wrapping ErrParse.
func ParseScreenID(id string) (episode, step int, err error) {
	epPart, stepPart, ok := strings.Cut(id, "_")
	if !ok {
		return 0, 0, fmt.Errorf("%w: screen id %q missing separator", ErrParse, id)
	}
	epDigits, ok := strings.CutPrefix(epPart, "ep")
	if !ok {
		return 0, 0, fmt.Errorf("%w: screen id %q missing ep prefix", ErrParse, id)
	}
	stepDigits, ok := strings.CutPrefix(stepPart, "step")
	if !ok {
		return 0, 0, fmt.Errorf("%w: screen id %q missing step prefix", ErrParse, id)
	}
	episode, err = parseIndex(epDigits)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: screen id %q episode: %v", ErrParse, id, err)
	}
	step, err = parseIndex(stepDigits)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: screen id %q step: %v", ErrParse, id, err)
	}
	return episode, step, nil
}

func parseIndex(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty index")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit %q", r)
		}
	}
	return strconv.Atoi(s)
}
