// Package replays exposes the replay engine over HTTP JSON routes and a
// websocket event channel. Both transports funnel into the same command table.
package replays

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"replaycore/internal/core"
	"replaycore/pkg/domain"
)

// Engine is the command surface the transports drive. *core.Engine satisfies it.
type Engine interface {
	StartRecording(ctx context.Context) (core.RecordingStatus, error)
	StopRecording(ctx context.Context) (core.RecordingStatus, error)
	RecordStep(ctx context.Context, in core.StepInput) (core.RecordStepResult, error)
	Save(ctx context.Context, filename string) (core.SaveResult, error)
	Load(ctx context.Context, filename string, background bool) (core.LoadResult, error)
	GetScreen(ctx context.Context, id string) (domain.Screen, bool)
	PreloadScreens(ctx context.Context, currentID string, count int) []string
	ListReplays(ctx context.Context) ([]domain.CatalogEntry, error)
	DeleteReplay(ctx context.Context, filename string) error
	GetReplayObjects(ctx context.Context, filename string) (domain.ReplayObjects, error)
	SaveReplayObjects(ctx context.Context, filename string, positions []domain.ObjectPosition) error
	ReplayLink(ctx context.Context, filename string) (core.ReplayLink, error)
	StartPlayback(ctx context.Context, filename string) (core.PlaybackState, error)
	StopPlayback(ctx context.Context) (bool, error)
	SetPlaybackSpeed(ctx context.Context, multiplier float64) float64
	ReplayToMemory(ctx context.Context) (int, error)
	StartTraining(ctx context.Context, req core.TrainingRequest) (core.TrainingState, error)
	StopTraining(ctx context.Context) (bool, error)
	TrainingRuns(ctx context.Context, limit int) ([]domain.TrainingRun, error)
	Status(ctx context.Context) core.EngineStatus
}

var _ Engine = (*core.Engine)(nil)

// Command names accepted in the websocket "type" field.
const (
	CmdStartRecording    = "start_recording"
	CmdStopRecording     = "stop_recording"
	CmdRecordStep        = "record_step"
	CmdSaveReplay        = "save_replay"
	CmdLoadReplay        = "load_replay"
	CmdGetScreen         = "get_screen"
	CmdPreloadScreens    = "preload_screens"
	CmdListReplays       = "list_replays"
	CmdDeleteReplay      = "delete_replay"
	CmdGetReplayObjects  = "get_replay_objects"
	CmdSaveReplayObjects = "save_replay_objects"
	CmdReplayLink        = "replay_link"
	CmdStartReplay       = "start_replay"
	CmdStopReplay        = "stop_replay"
	CmdSetReplaySpeed    = "set_replay_speed"
	CmdReplayToMemory    = "replay_to_memory"
	CmdStartTraining     = "start_training"
	CmdStopTraining      = "stop_training"
	CmdTrainingRuns      = "training_runs"
	CmdStatus            = "status"
)

var errBadRequest = errors.New("bad request")

// commandArgs is the union of every command's arguments.
type commandArgs struct {
	Filename        string                  `json:"filename"`
	Background      bool                    `json:"background"`
	ScreenID        string                  `json:"screenId"`
	CurrentID       string                  `json:"currentId"`
	Count           int                     `json:"count"`
	Speed           float64                 `json:"speed"`
	Episodes        int                     `json:"episodes"`
	BatchSize       int                     `json:"batchSize"`
	Limit           int                     `json:"limit"`
	ObjectPositions []domain.ObjectPosition `json:"objectPositions"`
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// dispatch runs one command. raw carries the command's JSON arguments.
func dispatch(ctx context.Context, e Engine, cmd string, raw json.RawMessage) (any, error) {
	if cmd == CmdRecordStep {
		var in core.StepInput
		if err := decodeArgs(raw, &in); err != nil {
			return nil, err
		}
		return e.RecordStep(ctx, in)
	}
	var args commandArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	switch cmd {
	case CmdStartRecording:
		return e.StartRecording(ctx)
	case CmdStopRecording:
		return e.StopRecording(ctx)
	case CmdSaveReplay:
		return e.Save(ctx, args.Filename)
	case CmdLoadReplay:
		return e.Load(ctx, args.Filename, args.Background)
	case CmdGetScreen:
		screen, ok := e.GetScreen(ctx, args.ScreenID)
		if !ok {
			return nil, fmt.Errorf("%w: screen %q", domain.ErrNotFound, args.ScreenID)
		}
		return screen, nil
	case CmdPreloadScreens:
		return map[string]any{"preloaded": e.PreloadScreens(ctx, args.CurrentID, args.Count)}, nil
	case CmdListReplays:
		entries, err := e.ListReplays(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"replays": entries}, nil
	case CmdDeleteReplay:
		if err := e.DeleteReplay(ctx, args.Filename); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": args.Filename}, nil
	case CmdGetReplayObjects:
		return e.GetReplayObjects(ctx, args.Filename)
	case CmdSaveReplayObjects:
		if err := e.SaveReplayObjects(ctx, args.Filename, args.ObjectPositions); err != nil {
			return nil, err
		}
		return map[string]any{"saved": args.Filename, "objects": len(args.ObjectPositions)}, nil
	case CmdReplayLink:
		return e.ReplayLink(ctx, args.Filename)
	case CmdStartReplay:
		return e.StartPlayback(ctx, args.Filename)
	case CmdStopReplay:
		stopped, err := e.StopPlayback(ctx)
		return map[string]any{"stopped": stopped}, err
	case CmdSetReplaySpeed:
		return map[string]any{"speed": e.SetPlaybackSpeed(ctx, args.Speed)}, nil
	case CmdReplayToMemory:
		n, err := e.ReplayToMemory(ctx)
		return map[string]any{"transitions": n}, err
	case CmdStartTraining:
		st, err := e.StartTraining(ctx, core.TrainingRequest{Episodes: args.Episodes, BatchSize: args.BatchSize})
		if errors.Is(err, domain.ErrAlreadyInProgress) {
			return map[string]any{"alreadyRunning": true, "training": st}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"training": st}, nil
	case CmdStopTraining:
		stopped, err := e.StopTraining(ctx)
		return map[string]any{"stopped": stopped}, err
	case CmdTrainingRuns:
		runs, err := e.TrainingRuns(ctx, args.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"runs": runs}, nil
	case CmdStatus:
		return e.Status(ctx), nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", errBadRequest, cmd)
	}
}

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrParse),
		errors.Is(err, domain.ErrUnsupportedValue),
		errors.Is(err, domain.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCorrupt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInsufficientSamples),
		errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
