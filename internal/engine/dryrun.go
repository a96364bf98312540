/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus-qen/praetor/internal/conditions"
	"github.com/marcus-qen/praetor/internal/metrics"
	"github.com/marcus-qen/praetor/internal/playbook"
	"github.com/marcus-qen/praetor/internal/redact"
)

// Risk levels ordered from least to most dangerous.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskRank = map[string]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// runDry walks every wave without executing actions or sleeping. Conditions
// and validators still run for real; each would-run step gets a resolved-args
// preview and a risk classification, rolled up on the execution record.
func (e *Engine) runDry(ctx context.Context, r *run) {
	vars := r.waveVars()
	summary := &RiskSummary{Counts: make(map[string]int)}

	for waveIdx := range r.waves {
		r.mu.Lock()
		r.exec.CurrentWave = waveIdx
		r.mu.Unlock()
		for _, id := range r.waves[waveIdx] {
			e.dryRunStep(ctx, r, r.stepIndex[id], vars, summary)
		}
	}

	summary.Highest = highestRisk(summary.Counts)

	state := StateCompleted
	message := "dry run completed"
	r.mu.Lock()
	for i := range r.exec.Steps {
		if r.exec.Steps[i].State == StepFailed {
			state = StateFailed
			message = fmt.Sprintf("dry run failed at step %s", r.exec.Steps[i].StepID)
			break
		}
	}
	r.exec.Risk = summary
	finished := r.finishLocked(state, message)
	if finished {
		closing := r.exec.Timeline[len(r.exec.Timeline)-1].ID
		r.recordArtifactLocked(artifactInput{
			EventID: closing,
			Type:    ArtifactRiskSummary,
			Data: map[string]any{
				"highest_risk": summary.Highest,
				"counts":       riskCountsData(summary.Counts),
				"steps":        len(summary.Steps),
			},
		})
	}
	duration := r.now().Sub(r.exec.StartedAt)
	r.mu.Unlock()

	if finished {
		e.reportFinished(r, state, duration)
	}
}

func (e *Engine) dryRunStep(ctx context.Context, r *run, idx int, vars map[string]any, summary *RiskSummary) {
	stepDef := &r.pb.Steps[idx]
	stepID := stepDef.ID

	now := e.now()
	r.mu.Lock()
	step := &r.exec.Steps[idx]
	step.State = StepRunning
	step.StartedAt = &now
	r.recordTimelineLocked(timelineEventInput{
		Type:      TimelineStepStarted,
		StepID:    stepID,
		Status:    StepRunning,
		Message:   fmt.Sprintf("dry run of step %s", stepID),
		Timestamp: now,
		Data:      map[string]any{"action": stepDef.Action},
	})
	r.mu.Unlock()

	if len(stepDef.When) > 0 && !conditions.EvaluateAll(stepDef.When, vars) {
		finished := e.now()
		r.mu.Lock()
		skipped := &r.exec.Steps[idx]
		skipped.State = StepSkipped
		skipped.FinishedAt = &finished
		r.recordTimelineLocked(timelineEventInput{
			Type:      TimelineStepSkipped,
			StepID:    stepID,
			Status:    StepSkipped,
			Message:   "when conditions not met",
			Timestamp: finished,
		})
		r.mu.Unlock()
		metrics.RecordStep(stepDef.Action, StepSkipped)
		return
	}

	state := StepCompleted
	errMsg := ""
	for _, spec := range stepDef.Validators {
		res := e.validators.Run(ctx, spec, vars)
		r.updateStep(idx, func(step *StepResult) {
			step.Validations = append(step.Validations, res)
		})
		if !res.Valid {
			state = StepFailed
			errMsg = "Pre-execution validation failed"
		}
	}

	resolved := resolveArgs(stepDef.Args, vars)
	risk, mutating := classifyRisk(stepDef.Action, resolved)
	summary.Steps = append(summary.Steps, StepRisk{
		StepID:           stepID,
		Action:           stepDef.Action,
		Risk:             risk,
		Mutating:         mutating,
		ApprovalRequired: stepDef.ApprovalGate != nil,
		// The preview leaves the process, so interpolated credentials are
		// scrubbed from the resolved-arg snapshot.
		ResolvedArgs: redact.Args(resolved),
	})
	summary.Counts[risk]++

	finished := e.now()
	r.mu.Lock()
	result := &r.exec.Steps[idx]
	result.State = state
	result.Error = errMsg
	result.FinishedAt = &finished
	r.recordTimelineLocked(timelineEventInput{
		Type:      TimelineStepFinished,
		StepID:    stepID,
		Status:    state,
		Message:   errMsg,
		Timestamp: finished,
		Data: map[string]any{
			"risk":     risk,
			"mutating": mutating,
		},
	})
	r.mu.Unlock()
	metrics.RecordStep(stepDef.Action, state)
}

// classifyRisk grades what a step would do. Shell commands are graded by
// their leading tokens; HTTP by method; wait, noop and the read-only SQL
// gate are always low.
func classifyRisk(action string, args map[string]any) (string, bool) {
	switch action {
	case playbook.ActionShell:
		command, _ := args["command"].(string)
		risk := classifyCommandRisk(command)
		return risk, risk != RiskLow
	case playbook.ActionHTTPRequest:
		method, _ := args["method"].(string)
		switch strings.ToUpper(strings.TrimSpace(method)) {
		case "", "GET", "HEAD", "OPTIONS":
			return RiskLow, false
		case "DELETE":
			return RiskHigh, true
		default:
			return RiskMedium, true
		}
	default:
		return RiskLow, false
	}
}

var criticalCommandPrefixes = []string{
	"rm ", "rm\t", "dd ", "mkfs", "fdisk", "parted",
	"shutdown", "reboot", "poweroff", "halt", "init 0", "init 6",
	"iptables -f", "nft flush", "userdel",
}

var highCommandPrefixes = []string{
	"systemctl restart", "systemctl stop", "systemctl start", "systemctl reload",
	"service ", "kill ", "pkill ",
	"apt ", "apt-get ", "yum ", "dnf ", "pip install", "npm install",
	"chmod ", "chown ", "mv ", "cp ", "tee ", "sed -i", "truncate ",
}

var mediumCommandPrefixes = []string{
	"journalctl", "dmesg", "ss ", "netstat", "lsof", "du ", "find ",
	"grep ", "awk ", "ps ", "top", "systemctl status", "ip ", "route",
	"curl ", "wget ",
}

var lowCommandPrefixes = []string{
	"ls", "cat ", "head ", "tail ", "pwd", "whoami", "id", "uname",
	"hostname", "uptime", "df", "free", "echo ", "date", "true",
}

func classifyCommandRisk(command string) string {
	normalized := strings.ToLower(strings.TrimSpace(command))
	if normalized == "" {
		return RiskLow
	}
	for _, prefix := range criticalCommandPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return RiskCritical
		}
	}
	for _, prefix := range highCommandPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return RiskHigh
		}
	}
	for _, prefix := range mediumCommandPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return RiskMedium
		}
	}
	for _, prefix := range lowCommandPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return RiskLow
		}
	}
	return RiskMedium
}

func highestRisk(counts map[string]int) string {
	highest := RiskLow
	for level, count := range counts {
		if count > 0 && riskRank[level] > riskRank[highest] {
			highest = level
		}
	}
	return highest
}

func riskCountsData(counts map[string]int) map[string]any {
	out := make(map[string]any, len(counts))
	for level, count := range counts {
		out[level] = count
	}
	return out
}
