package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/approval"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/notify"
	"stageline/internal/repo"
	"stageline/internal/workflow"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Store     Store
	Events    events.Writer
	Approvals approval.Service
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, dialect string, cfg *config.Config, notifier notify.Dispatcher, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.New(db, dialect)
	return Engine{
		DB:    db,
		Repo:  r,
		Store: SQLStore{Repo: r},
		Approvals: approval.Service{
			Notifier:      notifier,
			Logger:        logger,
			BaseURL:       cfg.Server.PublicBaseURL,
			NotifyTimeout: time.Duration(cfg.Approvals.NotifyTimeoutSeconds) * time.Second,
			Inflight:      &sync.WaitGroup{},
		},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) approvals() approval.Service {
	s := e.Approvals
	s.Now = e.now
	if s.Logger == nil {
		s.Logger = e.logger()
	}
	return s
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// SetupProject creates a project and its stages from a configured template.
func (e Engine) SetupProject(ctx context.Context, projectID, name, template, actorID string) (domain.Workflow, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Workflow{}, fmt.Errorf("%w: project id is required", domain.ErrInvalid)
	}
	tpl, err := e.Config.Template(template)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	}
	if name == "" {
		name = projectID
	}
	var wf domain.Workflow
	err = e.Store.InTx(ctx, func(st Store) error {
		if _, err := st.GetProject(ctx, projectID); err == nil {
			return fmt.Errorf("%w: project %s already exists", domain.ErrInvalid, projectID)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		now := e.stamp()
		if err := st.InsertProject(ctx, domain.Project{ID: projectID, Name: name, CreatedAt: now}); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		for i, ts := range tpl.Stages {
			stage := domain.Stage{
				ID:                     uuid.NewString(),
				ProjectID:              projectID,
				Order:                  i + 1,
				Name:                   ts.Name,
				Description:            ts.Description,
				Status:                 domain.StageStatusPending,
				RequiresClientApproval: ts.RequiresClientApproval,
				CreatedAt:              now,
				UpdatedAt:              now,
			}
			if err := st.InsertStage(ctx, stage); err != nil {
				return fmt.Errorf("insert stage %s: %w", ts.Name, err)
			}
			for j, desc := range ts.Checklist {
				item := domain.ChecklistItem{ID: uuid.NewString(), StageID: stage.ID, Description: desc, Order: j + 1}
				if err := st.InsertChecklistItem(ctx, item); err != nil {
					return fmt.Errorf("insert checklist item: %w", err)
				}
			}
		}
		if err := e.events().Append(ctx, st, events.ProjectSetup, projectID, "project", projectID, actorID, events.EventPayload{
			"name":     name,
			"template": template,
			"stages":   len(tpl.Stages),
		}); err != nil {
			return err
		}
		wf, err = e.loadWorkflow(ctx, st, projectID)
		return err
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	e.logger().Info("project set up", "project_id", projectID, "template", template, "stages", len(wf.Stages))
	return wf, nil
}

// GetProjectWorkflow returns every stage with freshly derived progress, gating and
// latest approval. An unknown project yields an empty stage list.
func (e Engine) GetProjectWorkflow(ctx context.Context, projectID string) (domain.Workflow, error) {
	return e.loadWorkflow(ctx, e.Store, projectID)
}

func (e Engine) loadWorkflow(ctx context.Context, st Store, projectID string) (domain.Workflow, error) {
	stages, err := st.ListStages(ctx, projectID)
	if err != nil {
		return domain.Workflow{}, err
	}
	wf := domain.Workflow{ProjectID: projectID, Stages: make([]domain.StageView, 0, len(stages))}
	inputs := make([]workflow.GateInput, 0, len(stages))
	for _, s := range stages {
		items, err := st.ListChecklistItems(ctx, s.ID)
		if err != nil {
			return domain.Workflow{}, err
		}
		if items == nil {
			items = []domain.ChecklistItem{}
		}
		approvals, err := st.ListApprovals(ctx, s.ID)
		if err != nil {
			return domain.Workflow{}, err
		}
		latest := workflow.LatestApproval(approvals)
		in := workflow.GateInput{StageID: s.ID, Order: s.Order, RequiresApproval: s.RequiresClientApproval}
		if latest != nil {
			in.LatestApprovalStatus = latest.Status
		}
		inputs = append(inputs, in)
		wf.Stages = append(wf.Stages, domain.StageView{
			Stage:    s,
			Items:    items,
			Progress: workflow.Progress(items),
			Approval: latest,
		})
	}
	gates := workflow.Evaluate(inputs)
	for i := range wf.Stages {
		g := gates[wf.Stages[i].ID]
		wf.Stages[i].Blocked = g.Blocked
		wf.Stages[i].BlockedBy = g.BlockedBy
	}
	return wf, nil
}

func findStage(wf domain.Workflow, stageID string) (domain.StageView, bool) {
	for _, s := range wf.Stages {
		if s.ID == stageID {
			return s, true
		}
	}
	return domain.StageView{}, false
}

// loadStageView re-derives the workflow of the stage's project and returns the stage.
func (e Engine) loadStageView(ctx context.Context, st Store, stageID string) (domain.StageView, domain.Workflow, error) {
	stage, err := st.GetStage(ctx, stageID)
	if err != nil {
		return domain.StageView{}, domain.Workflow{}, err
	}
	wf, err := e.loadWorkflow(ctx, st, stage.ProjectID)
	if err != nil {
		return domain.StageView{}, domain.Workflow{}, err
	}
	view, ok := findStage(wf, stageID)
	if !ok {
		return domain.StageView{}, domain.Workflow{}, domain.ErrNotFound
	}
	return view, wf, nil
}

func (e Engine) ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	return e.Store.ListEvents(ctx, projectID, afterID, limit)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// WaitNotifications blocks until background notifications finish or ctx ends.
func (e Engine) WaitNotifications(ctx context.Context) {
	wg := e.Approvals.Inflight
	if wg == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
