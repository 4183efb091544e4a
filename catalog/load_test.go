package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const welcomeYAML = `slug: welcome
name: Welcome
description: Onboarding drip
trigger:
  tag: new-lead
steps:
  - name: intro
    subject: "Hi {{.FirstName}}"
    body: "<p>Welcome aboard</p>"
  - name: follow-up
    delay: 1h30m
    delay_days: 1
    subject: Still there?
  - order: 5
    subject: Retired
    active: false
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "welcome.yaml")
	require.NoError(t, os.WriteFile(path, []byte(welcomeYAML), 0644))

	def, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "welcome", def.Slug)
	assert.Equal(t, "new-lead", def.TriggerTag)
	assert.Empty(t, def.TriggerType)
	assert.True(t, def.IsActive)
	require.Len(t, def.Steps, 3)

	assert.Equal(t, 0, def.Steps[0].Order)
	assert.Equal(t, time.Duration(0), def.Steps[0].Delay())
	assert.Equal(t, 1, def.Steps[1].Order)
	assert.Equal(t, 25*time.Hour+30*time.Minute, def.Steps[1].Delay())
	assert.Equal(t, 5, def.Steps[2].Order)
	assert.False(t, def.Steps[2].IsActive)
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	cases := map[string]string{
		"missing trigger": "slug: a\nname: A\nsteps:\n  - subject: x\n",
		"missing slug":    "name: A\ntrigger:\n  tag: t\n",
		"bad delay":       "slug: a\nname: A\ntrigger:\n  tag: t\nsteps:\n  - subject: x\n    delay: soon\n",
		"partial minute":  "slug: a\nname: A\ntrigger:\n  tag: t\nsteps:\n  - subject: x\n    delay: 30s\n",
		"duplicate order": "slug: a\nname: A\ntrigger:\n  tag: t\nsteps:\n  - subject: x\n  - order: 0\n    subject: y\n",
		"missing subject": "slug: a\nname: A\ntrigger:\n  milestone: trial-started\nsteps:\n  - body: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	write("b.yml", "slug: zeta\nname: Z\nactive: false\ntrigger:\n  milestone: trial-started\n")
	write("a.yaml", welcomeYAML)
	write("notes.txt", "ignored")

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "welcome", defs[0].Slug)
	assert.Equal(t, "zeta", defs[1].Slug)
	assert.False(t, defs[1].IsActive)
	assert.Equal(t, "trial-started", defs[1].TriggerType)

	write("c.yaml", welcomeYAML)
	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, "defined in both")

	missing, err := LoadDir(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
