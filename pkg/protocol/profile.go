// Package protocol implements the notification frame format and the fixed
// GATT profile of the PROZIS Bit Scale
package protocol

import (
	"errors"
	"strings"
)

const (
	defaultServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	defaultWriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	defaultNotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	defaultCmdStart = "gwc"
	defaultCmdTare  = "st"

	defaultTargetName    = "prozis bit scale"
	defaultBrandToken    = "prozis"
	defaultCategoryToken = "scale"
	defaultLabel         = "PROZIS Bit Scale"
)

// Profile denotes the set of identifiers, commands and name matching rules
// required to talk to a scale
type Profile struct {
	ServiceUUID    string `yaml:"service_uuid"`
	WriteCharUUID  string `yaml:"write_characteristic"`
	NotifyCharUUID string `yaml:"notify_characteristic"`

	CmdStart string `yaml:"cmd_start"`
	CmdTare  string `yaml:"cmd_tare"`

	TargetName    string `yaml:"target_name"`
	BrandToken    string `yaml:"brand_token"`
	CategoryToken string `yaml:"category_token"`

	// Label is used in human-readable status messages
	Label string `yaml:"label"`
}

// DefaultProfile returns the profile of the PROZIS Bit Scale
func DefaultProfile() Profile {
	return Profile{
		ServiceUUID:    defaultServiceUUID,
		WriteCharUUID:  defaultWriteCharUUID,
		NotifyCharUUID: defaultNotifyCharUUID,
		CmdStart:       defaultCmdStart,
		CmdTare:        defaultCmdTare,
		TargetName:     defaultTargetName,
		BrandToken:     defaultBrandToken,
		CategoryToken:  defaultCategoryToken,
		Label:          defaultLabel,
	}
}

// Matches determines if an advertised device name belongs to a scale of this
// profile: either the exact target name or a name containing both the brand
// and the category token (all case-insensitive)
func (p Profile) Matches(advertisedName string) bool {
	name := strings.ToLower(strings.TrimSpace(advertisedName))
	if name == "" {
		return false
	}
	if name == strings.ToLower(p.TargetName) {
		return true
	}
	if p.BrandToken == "" || p.CategoryToken == "" {
		return false
	}

	return strings.Contains(name, strings.ToLower(p.BrandToken)) &&
		strings.Contains(name, strings.ToLower(p.CategoryToken))
}

// StartCommand returns the raw bytes of the start streaming command
func (p Profile) StartCommand() []byte {
	return []byte(p.CmdStart)
}

// TareCommand returns the raw bytes of the tare command
func (p Profile) TareCommand() []byte {
	return []byte(p.CmdTare)
}

// Validate checks that all identifiers and commands required to talk to the
// scale are set
func (p Profile) Validate() error {
	switch {
	case p.ServiceUUID == "":
		return errors.New("service UUID must not be empty")
	case p.WriteCharUUID == "":
		return errors.New("write characteristic UUID must not be empty")
	case p.NotifyCharUUID == "":
		return errors.New("notify characteristic UUID must not be empty")
	case p.CmdStart == "":
		return errors.New("start command must not be empty")
	case p.CmdTare == "":
		return errors.New("tare command must not be empty")
	case p.TargetName == "" && (p.BrandToken == "" || p.CategoryToken == ""):
		return errors.New("either a target name or brand and category tokens are required")
	}
	return nil
}
