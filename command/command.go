/*
Copyright 2017 The Kubernetes Authors.

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

// Package command implements the Command Handler (spec.md §4.4): a
// regex-based parser for operator comments plus per-command
// authorization and execution, grounded in the teacher's
// plugins/hold and plugins/close regex-match-then-act style.
package command

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/clarketm/borsbot/config"
	"github.com/clarketm/borsbot/queue"
)

// Kind enumerates the recognized commands (spec.md §4.4 table).
type Kind int

const (
	KindApprove Kind = iota
	KindUnapprove
	KindRetry
	KindTry
	KindPriority
	KindCancel
	KindPing
	KindHelp
	KindInvalid
)

var (
	reApprove    = regexp.MustCompile(`^(?:r\+|approve)\s*$`)
	reUnapprove  = regexp.MustCompile(`^r-\s*$`)
	reRetry      = regexp.MustCompile(`^retry\s*$`)
	reTry        = regexp.MustCompile(`^try\s*$`)
	rePriority   = regexp.MustCompile(`^p=(-?\d+)\s*$`)
	reCancel     = regexp.MustCompile(`^cancel\s*$`)
	rePing       = regexp.MustCompile(`^ping\s*$`)
	reHelp       = regexp.MustCompile(`^help\s*$`)
)

// Command is a single parsed operator directive.
type Command struct {
	Kind     Kind
	Priority int // only meaningful for KindPriority
	Raw      string
}

// Parse tokenizes a comment body into zero-or-one Command. It returns
// nil when the comment doesn't address the bot at all — not
// every comment on a PR is a command attempt. It returns
// &Command{Kind: KindInvalid} when the comment clearly
// addresses the bot but the command text itself doesn't match any
// known directive, mirroring the original's parse(text, bot_name) ->
// Command | Invalid | None contract (spec.md §1).
func Parse(body, botName, commandPrefix string) *Command {
	line, ok := addressedLine(body, botName, commandPrefix)
	if !ok {
		return nil
	}
	line = strings.TrimSpace(line)

	switch {
	case reApprove.MatchString(line):
		return &Command{Kind: KindApprove, Raw: line}
	case reUnapprove.MatchString(line):
		return &Command{Kind: KindUnapprove, Raw: line}
	case reRetry.MatchString(line):
		return &Command{Kind: KindRetry, Raw: line}
	case reTry.MatchString(line):
		return &Command{Kind: KindTry, Raw: line}
	case reCancel.MatchString(line):
		return &Command{Kind: KindCancel, Raw: line}
	case rePing.MatchString(line):
		return &Command{Kind: KindPing, Raw: line}
	case reHelp.MatchString(line):
		return &Command{Kind: KindHelp, Raw: line}
	}
	if m := rePriority.FindStringSubmatch(line); m != nil {
		p, err := strconv.Atoi(m[1])
		if err != nil {
			return &Command{Kind: KindInvalid, Raw: line}
		}
		return &Command{Kind: KindPriority, Priority: p, Raw: line}
	}
	return &Command{Kind: KindInvalid, Raw: line}
}

// addressedLine finds the first line in body that starts with either
// "@botName " or the repo's configured command prefix, and returns the
// remainder of that line.
func addressedLine(body, botName, commandPrefix string) (string, bool) {
	mention := "@" + botName
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed+" ", mention+" ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, mention)), true
		}
		if commandPrefix != "" && strings.HasPrefix(trimmed, commandPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, commandPrefix)), true
		}
	}
	return "", false
}

// Authorizer decides whether sender may run kind against a PR in repo.
// The Dispatcher/processor injects an implementation backed by
// repoowners or a plain org-membership check (spec.md §4.4
// "Authorization").
type Authorizer interface {
	IsAuthorized(ctx context.Context, owner, repo, sender string, kind Kind) (bool, error)
}

// HelpText is appended to the "Invalid command" reply, per
// SPEC_FULL.md F.3.2 (the original interpolates
// Command::help(&config, project_board) into the error comment rather
// than just rejecting silently).
func HelpText(cfg config.RepoConfig) string {
	var b strings.Builder
	b.WriteString("Recognized commands:\n\n")
	b.WriteString("| Command | Effect |\n|---|---|\n")
	b.WriteString("| `r+` / `approve` | approve and enqueue if eligible |\n")
	b.WriteString("| `r-` | unapprove; demote if queued/testing |\n")
	b.WriteString("| `retry` | re-enqueue a previously tested PR |\n")
	b.WriteString("| `try` | enqueue as a canary (report-only) build |\n")
	b.WriteString("| `p=<int>` | set queue priority |\n")
	b.WriteString("| `cancel` | abort the current test |\n")
	b.WriteString("| `ping` | liveness check |\n")
	b.WriteString("| `help` | this message |\n")
	if cfg.CommandPrefix != "" {
		b.WriteString(fmt.Sprintf("\nCommands may also be prefixed with `%s`.\n", cfg.CommandPrefix))
	}
	return b.String()
}

// Apply executes cmd against pr, mutating its queue.PullRequest state
// in place (spec.md §4.4 table). It returns the comment text (if any)
// that should be posted as the command's visible result; an empty
// string means no comment beyond the acknowledgement reaction.
func Apply(cmd *Command, pr *queue.PullRequest) string {
	switch cmd.Kind {
	case KindApprove:
		pr.Approved = true
		if pr.Status.Kind == queue.StatusInReview {
			queue.Enqueue(pr)
		}
		return ""
	case KindUnapprove:
		pr.Approved = false
		if pr.Status.Kind == queue.StatusQueued || pr.Status.Kind == queue.StatusTesting {
			queue.Demote(pr)
		}
		return ""
	case KindRetry:
		if pr.Status.Kind == queue.StatusInReview {
			queue.Enqueue(pr)
		}
		return ""
	case KindTry:
		queue.EnqueueCanary(pr)
		return ""
	case KindCancel:
		if pr.Status.Kind == queue.StatusTesting || pr.Status.Kind == queue.StatusQueued {
			queue.Demote(pr)
		}
		return ""
	case KindPriority:
		pr.Priority = cmd.Priority
		return ""
	case KindPing:
		return "pong :rocket:"
	case KindHelp:
		return "" // caller supplies HelpText directly; kept distinct from Invalid's auto-appended text.
	default:
		return ""
	}
}
