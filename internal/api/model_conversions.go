package api

import (
	"attribution-backend/internal/chat"
	"attribution-backend/internal/tasks"
	"attribution-backend/pkg/api"
)

func convertTask(t *tasks.Task) api.Task {
	var media []string
	for _, file := range t.Media {
		media = append(media, file.Name)
	}
	turns := 0
	if t.Session != nil {
		turns = len(t.Session.History())
	}
	return api.Task{
		Id:        string(t.ID),
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		Aliases:   t.Aliases,
		Media:     media,
		Turns:     turns,
	}
}

func convertTasks(ts []*tasks.Task) []api.Task {
	list := make([]api.Task, 0, len(ts))
	for _, t := range ts {
		list = append(list, convertTask(t))
	}
	return list
}

func convertTurns(turns []chat.Turn) []api.Turn {
	out := make([]api.Turn, 0, len(turns))
	for _, turn := range turns {
		out = append(out, api.Turn{
			Role:      string(turn.Role),
			Content:   turn.Content,
			Media:     turn.Media,
			Timestamp: turn.Timestamp,
			Failed:    turn.Failed,
			Error:     turn.Error,
		})
	}
	return out
}

func convertRun(r tasks.Run) api.Run {
	run := api.Run{
		Id:        r.ID,
		State:     string(r.State),
		Message:   r.Message,
		TaskId:    string(r.TaskID),
		Missing:   r.Missing,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Media) > 0 {
		run.Media = make(map[string]api.MediaProgress, len(r.Media))
		for name, p := range r.Media {
			run.Media[name] = api.MediaProgress{
				File:           p.File,
				State:          string(p.State),
				ElapsedSeconds: p.Elapsed.Seconds(),
				BudgetSeconds:  p.Budget.Seconds(),
			}
		}
	}
	if r.Failure != nil {
		run.Failure = &api.RunFailure{
			Reason:         string(r.Failure.Reason),
			State:          string(r.Failure.State),
			Message:        r.Failure.Message,
			Media:          r.Failure.Media,
			Outcome:        string(r.Failure.Outcome),
			ElapsedSeconds: r.Failure.Elapsed.Seconds(),
		}
	}
	return run
}
