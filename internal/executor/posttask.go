package executor

import (
	"fmt"
	"strings"
	"time"

	"maestro/internal/config"
	"maestro/pkg/logx"
)

// runKeywordHooks scans the captured output for configured keywords and
// fires one notification per matched hook.
func (s *Service) runKeywordHooks(task *config.TaskDefinition, output []string, log logx.Logger) {
	if len(task.Post.Keywords) == 0 || len(output) == 0 {
		return
	}
	joined := strings.Join(output, "\n")
	for _, hook := range task.Post.Keywords {
		matched := ""
		for _, kw := range hook.Keywords {
			if kw != "" && strings.Contains(joined, kw) {
				matched = kw
				break
			}
		}
		if matched == "" {
			continue
		}
		title := hook.Title
		if title == "" {
			title = fmt.Sprintf("%s: keyword matched", taskLabel(task))
		}
		content := hook.Content
		if content == "" {
			content = fmt.Sprintf("output contained %q", matched)
		}
		s.notifier.Notify(title, content, hook.Tag)
		log.Info("keyword hook fired", logx.String("keyword", matched))
	}
}

// notifyOutcome sends the configured success/failure notification.
// Cancelled runs never notify.
func (s *Service) notifyOutcome(task *config.TaskDefinition, res RunResult) {
	if res.Cancelled() {
		return
	}
	if res.Success && task.Post.NotifyOnSuccess {
		title := task.Post.SuccessTitle
		if title == "" {
			title = fmt.Sprintf("%s succeeded", taskLabel(task))
		}
		s.notifier.Notify(title, fmt.Sprintf("run %s finished in %s", res.RunID, res.Duration.Round(time.Second)), "")
		return
	}
	if !res.Success && task.Post.NotifyOnFailure {
		title := task.Post.FailureTitle
		if title == "" {
			title = fmt.Sprintf("%s failed", taskLabel(task))
		}
		s.notifier.Notify(title, fmt.Sprintf("run %s: %s", res.RunID, res.Message), "")
	}
}

func taskLabel(task *config.TaskDefinition) string {
	if task.Name != "" {
		return task.Name
	}
	return task.ID
}
