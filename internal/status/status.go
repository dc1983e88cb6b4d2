// Package status reports the daemon, overseer, workers and task counts,
// live over the sockets when the daemon answers and from the state files
// otherwise.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/taskstore"
	"github.com/msageha/conductor/internal/uds"
)

type Report struct {
	Daemon      ProcessStatus   `json:"daemon"`
	Overseer    ProcessStatus   `json:"overseer"`
	Source      string          `json:"source"`
	Workers     []WorkerStatus  `json:"workers"`
	Tasks       map[string]int  `json:"tasks"`
	TaskErrors  []string        `json:"task_errors,omitempty"`
	Backoff     *model.Backoff  `json:"backoff,omitempty"`
	LastFailure *failure.Record `json:"last_failure,omitempty"`
}

type ProcessStatus struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	// HeartbeatAge is the age of the daemon heartbeat in seconds.
	HeartbeatAge *int64 `json:"heartbeat_age_sec,omitempty"`
}

type WorkerStatus struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	TaskID     string `json:"task_id,omitempty"`
	Label      string `json:"label,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
}

const (
	SourceLive  = "live"
	SourceFiles = "files"
)

// Run collects the report and writes it to w as text or JSON.
func Run(conductorDir string, cfg model.Config, jsonOutput bool, w io.Writer) error {
	r := Collect(conductorDir, cfg, time.Now())
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printReport(w, r)
	return nil
}

// Collect builds the report. Nothing here fails: unreadable pieces are
// left empty or listed in TaskErrors.
func Collect(conductorDir string, cfg model.Config, now time.Time) Report {
	r := Report{Tasks: map[string]int{}}
	r.Daemon = ping(filepath.Join(conductorDir, uds.DaemonSocketName))
	r.Overseer = ping(filepath.Join(conductorDir, uds.OverseerSocketName))

	if rec, err := heartbeat.ReadRecord(filepath.Join(conductorDir, daemon.HeartbeatFile)); err == nil {
		age := int64(rec.Age(now) / time.Second)
		r.Daemon.HeartbeatAge = &age
	}

	if r.Daemon.Running && collectLive(conductorDir, &r) {
		r.Source = SourceLive
	} else {
		r.Source = SourceFiles
		collectFiles(conductorDir, cfg, &r)
	}

	if rec, ok, err := failure.Load(filepath.Join(conductorDir, daemon.LastFailureFile)); err == nil && ok {
		r.LastFailure = &rec
	}
	return r
}

func ping(sockPath string) ProcessStatus {
	client := uds.NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand(uds.CommandPing, nil)
	if err != nil || !resp.Success {
		return ProcessStatus{}
	}
	var data struct {
		PID        int    `json:"pid"`
		InstanceID string `json:"instance_id"`
	}
	_ = json.Unmarshal(resp.Data, &data)
	return ProcessStatus{Running: true, PID: data.PID, InstanceID: data.InstanceID}
}

// collectLive asks the daemon for its last cycle snapshot.
func collectLive(conductorDir string, r *Report) bool {
	client := uds.NewClient(filepath.Join(conductorDir, uds.DaemonSocketName))
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand(uds.CommandStatus, nil)
	if err != nil || resp.Err() != nil {
		return false
	}
	var snap daemon.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		return false
	}
	for _, w := range snap.Workers {
		r.Workers = append(r.Workers, workerStatus(w))
	}
	for k, v := range snap.Tasks {
		r.Tasks[k] = v
	}
	r.Backoff = snap.Backoff
	return true
}

func collectFiles(conductorDir string, cfg model.Config, r *Report) {
	if st, err := daemon.LoadState(filepath.Join(conductorDir, daemon.StateFile)); err == nil {
		for _, name := range st.WorkerNames() {
			r.Workers = append(r.Workers, workerStatus(st.Workers[name]))
		}
		r.Backoff = st.Backoff
	} else {
		r.TaskErrors = append(r.TaskErrors, err.Error())
	}

	if cfg.Auto.TaskListID == "" {
		return
	}
	tasks, err := taskstore.NewFileStore(cfg.TaskListDir(conductorDir)).Scan()
	if err != nil {
		r.TaskErrors = append(r.TaskErrors, err.Error())
		return
	}
	for _, t := range tasks {
		r.Tasks[string(t.Status)]++
	}
}

func workerStatus(w *model.Worker) WorkerStatus {
	return WorkerStatus{
		Name:       w.Name,
		State:      w.State.String(),
		TaskID:     w.TaskID,
		Label:      w.Label,
		Error:      w.ErrorReason,
		RetryCount: w.RetryCount,
	}
}

func printReport(w io.Writer, r Report) {
	fmt.Fprintf(w, "Daemon:   %s\n", describeProcess(r.Daemon))
	fmt.Fprintf(w, "Overseer: %s\n", describeProcess(r.Overseer))
	if r.Daemon.HeartbeatAge != nil {
		fmt.Fprintf(w, "Heartbeat: %ds ago\n", *r.Daemon.HeartbeatAge)
	}

	if len(r.Workers) > 0 {
		fmt.Fprintf(w, "\nWorkers (%s):\n", r.Source)
		fmt.Fprintf(w, "  %-10s  %-13s  %-6s  %-12s  %s\n", "NAME", "STATE", "TASK", "LABEL", "RETRIES")
		for _, ws := range r.Workers {
			fmt.Fprintf(w, "  %-10s  %-13s  %-6s  %-12s  %d\n",
				ws.Name, ws.State, dash(ws.TaskID), dash(ws.Label), ws.RetryCount)
			if ws.Error != "" {
				fmt.Fprintf(w, "      error: %s\n", ws.Error)
			}
		}
	} else {
		fmt.Fprintln(w, "\nWorkers: none")
	}

	if len(r.Tasks) > 0 {
		keys := make([]string, 0, len(r.Tasks))
		for k := range r.Tasks {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, r.Tasks[k]))
		}
		fmt.Fprintf(w, "\nTasks: %s\n", strings.Join(parts, " "))
	}
	for _, e := range r.TaskErrors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}

	if r.Backoff != nil {
		fmt.Fprintf(w, "\nIntegration backoff: %ds, retry after %s\n",
			r.Backoff.BackoffSeconds, time.Unix(r.Backoff.RetryAfterUnix, 0).Format(time.RFC3339))
	}
	if f := r.LastFailure; f != nil {
		fmt.Fprintf(w, "\nLast failure: %s (%s) at %s\n  %s\n", f.Kind, f.Tier, f.TimestampAt, f.Message)
	}
}

func describeProcess(p ProcessStatus) string {
	if !p.Running {
		return "stopped"
	}
	if p.PID > 0 {
		return fmt.Sprintf("running (pid %d)", p.PID)
	}
	return "running"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
