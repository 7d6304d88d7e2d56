package orchestrator

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/hupe1980/agentfleet/core"
)

var templateFuncs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	},
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
}

// taskData exposes task fields to instruction templates.
func taskData(task *core.Task, vars map[string]any) map[string]any {
	data := make(map[string]any, len(vars)+4)
	for k, v := range vars {
		data[k] = v
	}
	if task != nil {
		data["agent_id"] = task.AgentID
		data["session_id"] = task.SessionID
		data["task_id"] = task.ID
		data["payload"] = task.Payload
	}
	return data
}

// renderTemplate executes text as a text/template over data.
func renderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("instruction").Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse instruction template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render instruction template: %w", err)
	}
	return buf.String(), nil
}
