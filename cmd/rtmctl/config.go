package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

var errTargetNotFound = errors.New("rtmctl: target not found")

// targetsFile lists known instruments for the CLI.
type targetsFile struct {
	DefaultTarget string         `toml:"default_target"`
	Targets       []targetConfig `toml:"targets"`
}

// targetConfig binds a display name to an instrument endpoint and an
// optional engine config file.
type targetConfig struct {
	Name   string `toml:"name"`
	Addr   string `toml:"addr"`
	Config string `toml:"config"`
}

func loadTargets(path string) (targetsFile, error) {
	var raw targetsFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return targetsFile{}, fmt.Errorf("load targets: %w", err)
	}
	if !meta.IsDefined("targets") {
		return targetsFile{}, fmt.Errorf("load targets: %s defines no targets", path)
	}
	for i, target := range raw.Targets {
		if strings.TrimSpace(target.Name) == "" {
			return targetsFile{}, fmt.Errorf("load targets: targets[%d] missing name", i)
		}
		if strings.TrimSpace(target.Addr) == "" {
			return targetsFile{}, fmt.Errorf("load targets: targets[%d] missing addr", i)
		}
	}
	if raw.DefaultTarget == "" && len(raw.Targets) > 0 {
		raw.DefaultTarget = raw.Targets[0].Name
	}
	return raw, nil
}

func (f targetsFile) resolve(name string) (targetConfig, error) {
	if strings.TrimSpace(name) == "" {
		name = f.DefaultTarget
	}
	for _, target := range f.Targets {
		if target.Name == name {
			return target, nil
		}
	}
	return targetConfig{}, fmt.Errorf("%w: %q", errTargetNotFound, name)
}
