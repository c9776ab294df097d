package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthrus/core"
	"orthrus/soar"
)

func writePlaybookFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPlaybookFileJSON(t *testing.T) {
	path := writePlaybookFile(t, "pb.json", `{
		"id": "pb-1",
		"name": "Contain malware",
		"organization_id": "org-1",
		"trigger": {"type": "alert", "filter": {"severity": "high"}},
		"steps": [{"id": "block", "type": "action", "action_id": "block_ip", "params": {"ip": "{{trigger.ip}}"}}]
	}`)

	pb, err := loadPlaybookFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pb-1", pb.ID)
	assert.Equal(t, "Contain malware", pb.Name)
	assert.Equal(t, core.TriggerAlert, pb.Trigger.Type)
	require.Len(t, pb.Steps, 1)
	assert.Equal(t, soar.StepTypeAction, pb.Steps[0].Type)
	assert.Equal(t, "{{trigger.ip}}", pb.Steps[0].Params["ip"])
}

func TestLoadPlaybookFileYAML(t *testing.T) {
	path := writePlaybookFile(t, "pb.yaml", `
id: pb-yaml
name: Triage phishing
organization_id: org-1
trigger:
  type: manual
steps:
  - id: notify
    type: action
    action_id: send_notification
    params:
      channel: ops
      message: phishing report received
`)

	pb, err := loadPlaybookFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pb-yaml", pb.ID)
	assert.Equal(t, core.TriggerManual, pb.Trigger.Type)
	require.Len(t, pb.Steps, 1)
	assert.Equal(t, "send_notification", pb.Steps[0].ActionID)
	assert.Equal(t, "ops", pb.Steps[0].Params["channel"])
}

func TestLoadPlaybookFileRejectsBadInput(t *testing.T) {
	_, err := loadPlaybookFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := writePlaybookFile(t, "bad.yaml", "steps: [unclosed")
	_, err = loadPlaybookFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")

	path = writePlaybookFile(t, "bad.json", "{not json")
	_, err = loadPlaybookFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid playbook")

	path = writePlaybookFile(t, "huge.json", "{"+strings.Repeat(" ", maxPlaybookFileSize)+"}")
	_, err = loadPlaybookFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}
