package domain

import (
	"strconv"
	"strings"
	"time"
)

// ProcessResult classifies how a supervised process ended.
type ProcessResult string

const (
	ProcessSucceeded  ProcessResult = "success"
	ProcessTerminated ProcessResult = "terminated"
	ProcessFailed     ProcessResult = "failed"
)

// LiveProcess is a listLive entry.
type LiveProcess struct {
	Token     string    `json:"token"`
	Command   string    `json:"command"`
	Dir       string    `json:"dir,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ProcessOutcome is what awaiting a process yields.
type ProcessOutcome struct {
	Token    string        `json:"token"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Result   ProcessResult `json:"result"`
	Stdout   []string      `json:"stdout"`
	Stderr   []string      `json:"stderr"`
}

// StdoutText joins the accumulated stdout lines.
func (o ProcessOutcome) StdoutText() string { return strings.Join(o.Stdout, "\n") }

// StderrText joins the accumulated stderr lines.
func (o ProcessOutcome) StderrText() string { return strings.Join(o.Stderr, "\n") }

// Report renders the outcome as prose for the planner.
func (o ProcessOutcome) Report() string {
	switch o.Result {
	case ProcessSucceeded:
		if len(o.Stdout) > 0 {
			return "Command executed successfully.\nOutput:\n" + o.StdoutText()
		}
		return "Command executed successfully (no output produced)."
	case ProcessTerminated:
		return "Command was terminated by user."
	default:
		var b strings.Builder
		b.WriteString("Command failed with exit_code ")
		b.WriteString(strconv.Itoa(o.ExitCode))
		b.WriteString(".\n")
		if len(o.Stderr) > 0 {
			b.WriteString("Error:\n" + o.StderrText() + "\n")
		}
		if len(o.Stdout) > 0 {
			b.WriteString("Output:\n" + o.StdoutText())
		}
		return b.String()
	}
}
