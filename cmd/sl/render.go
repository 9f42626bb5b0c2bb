package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"stageline/internal/domain"
)

func stageState(s domain.StageView) string {
	switch {
	case s.Blocked:
		return color.RedString("blocked")
	case s.Status == domain.StageStatusCompleted:
		return color.GreenString(s.Status)
	case s.Status == domain.StageStatusInProgress:
		return color.YellowString(s.Status)
	default:
		return s.Status
	}
}

func approvalState(s domain.StageView) string {
	if !s.RequiresClientApproval {
		return color.HiBlackString("n/a")
	}
	if s.Approval == nil {
		return "not requested"
	}
	switch s.Approval.Status {
	case domain.ApprovalApproved:
		return color.GreenString("approved")
	case domain.ApprovalRejected:
		return color.RedString("rejected")
	default:
		return color.YellowString("pending")
	}
}

func progressBar(p domain.Progress, width int) string {
	filled := p.Percent * width / 100
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), p.Percent)
}

// renderWorkflow prints the stage table and, when verbose, every checklist item.
func renderWorkflow(w io.Writer, wf domain.Workflow, verbose bool) {
	if len(wf.Stages) == 0 {
		fmt.Fprintf(w, "Project %s has no stages.\n", wf.ProjectID)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Stage", "Status", "Progress", "Approval", "Stage ID"})
	for _, s := range wf.Stages {
		tw.AppendRow(table.Row{s.Order, s.Name, stageState(s), progressBar(s.Progress, 10), approvalState(s), s.ID})
	}
	tw.Render()
	if !verbose {
		return
	}
	for _, s := range wf.Stages {
		fmt.Fprintf(w, "\n%s %s\n", color.CyanString("%d.", s.Order), s.Name)
		if s.Blocked {
			fmt.Fprintf(w, "  %s waiting on stage %s\n", color.RedString("⊥"), s.BlockedBy)
		}
		for _, it := range s.Items {
			mark := color.HiBlackString("[ ]")
			if it.IsCompleted {
				mark = color.GreenString("[x]")
			}
			fmt.Fprintf(w, "  %s %s  %s\n", mark, it.Description, color.HiBlackString(it.ID))
		}
	}
}

func renderProjects(w io.Writer, projects []domain.Project) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Created"})
	for _, p := range projects {
		tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt})
	}
	tw.Render()
}

func renderEvents(w io.Writer, events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
	}
	tw.Render()
}

func renderAPIKeys(w io.Writer, keys []domain.APIKey) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
	}
	tw.Render()
}
