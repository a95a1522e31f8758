package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileMatches(t *testing.T) {
	p := DefaultProfile()

	for name, expected := range map[string]bool{
		"PROZIS Bit Scale":     true,
		"  prozis bit scale ":  true,
		"Prozis Smart Scale 2": true,
		"SCALE by prozis":      true,
		"Prozis Band":          false,
		"Other Scale":          false,
		"":                     false,
		"   ":                  false,
	} {
		assert.Equal(t, expected, p.Matches(name), name)
	}
}

func TestProfileCustomTokens(t *testing.T) {
	p := DefaultProfile()
	p.TargetName = "test unit"
	p.BrandToken = ""

	assert.True(t, p.Matches("Test Unit"))
	assert.False(t, p.Matches("prozis scale"))
}

func TestProfileCommands(t *testing.T) {
	p := DefaultProfile()
	assert.Equal(t, []byte("gwc"), p.StartCommand())
	assert.Equal(t, []byte("st"), p.TareCommand())
}

func TestProfileValidate(t *testing.T) {
	assert.NoError(t, DefaultProfile().Validate())

	for name, mutate := range map[string]func(p *Profile){
		"service":  func(p *Profile) { p.ServiceUUID = "" },
		"write":    func(p *Profile) { p.WriteCharUUID = "" },
		"notify":   func(p *Profile) { p.NotifyCharUUID = "" },
		"start":    func(p *Profile) { p.CmdStart = "" },
		"tare":     func(p *Profile) { p.CmdTare = "" },
		"matching": func(p *Profile) { p.TargetName, p.BrandToken = "", "" },
	} {
		p := DefaultProfile()
		mutate(&p)
		assert.Error(t, p.Validate(), name)
	}

	p := DefaultProfile()
	p.TargetName = ""
	assert.NoError(t, p.Validate())
}
