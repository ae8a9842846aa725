package zone

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"workdeck/pkg/persistence"
)

// SeedZone is one zone definition in a seed file.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type SeedZone struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description,omitempty"`
	Trigger        string   `yaml:"trigger,omitempty"`
	Agents         []string `yaml:"agents,omitempty"`
	PromptTemplate string   `yaml:"prompt_template,omitempty"`
	Actions        []Action `yaml:"actions,omitempty"`
	ErrorPolicy    string   `yaml:"error_policy,omitempty"`
	PosX           float64  `yaml:"pos_x,omitempty"`
	PosY           float64  `yaml:"pos_y,omitempty"`
	Width          float64  `yaml:"width,omitempty"`
	Height         float64  `yaml:"height,omitempty"`
}

// SeedFile is the YAML document shape for zone seeds.
type SeedFile struct {
	Zones []SeedZone `yaml:"zones"`
}

// LoadSeed creates all zones declared in a YAML seed file. The whole file is
// validated before any zone is created, so a bad entry refuses the file
// rather than partially applying it.
func LoadSeed(path string, svc *Service) ([]*persistence.Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	zones := make([]*persistence.Zone, 0, len(seed.Zones))
	for i := range seed.Zones {
		z, err := seedToZone(&seed.Zones[i])
		if err != nil {
			return nil, fmt.Errorf("seed zone %d (%s): %w", i, seed.Zones[i].Name, err)
		}
		zones = append(zones, z)
	}
	for i, z := range zones {
		if err := validate(z); err != nil {
			return nil, fmt.Errorf("seed zone %d (%s): %w", i, z.Name, err)
		}
	}

	created := make([]*persistence.Zone, 0, len(zones))
	for _, z := range zones {
		saved, err := svc.Create(z)
		if err != nil {
			return created, err
		}
		created = append(created, saved)
	}
	return created, nil
}

func seedToZone(s *SeedZone) (*persistence.Zone, error) {
	actionsJSON, err := MarshalActions(s.Actions)
	if err != nil {
		return nil, err
	}
	return &persistence.Zone{
		Name:           s.Name,
		Description:    s.Description,
		Trigger:        s.Trigger,
		Agents:         s.Agents,
		PromptTemplate: s.PromptTemplate,
		ActionsJSON:    actionsJSON,
		ErrorPolicy:    s.ErrorPolicy,
		PosX:           s.PosX,
		PosY:           s.PosY,
		Width:          s.Width,
		Height:         s.Height,
	}, nil
}

// MarshalSeed serializes zones as a YAML seed document.
func MarshalSeed(zones []*persistence.Zone) ([]byte, error) {
	seed := SeedFile{Zones: make([]SeedZone, 0, len(zones))}
	for _, z := range zones {
		actions, err := ParseActions(z.ActionsJSON)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", z.ID, err)
		}
		seed.Zones = append(seed.Zones, SeedZone{
			Name:           z.Name,
			Description:    z.Description,
			Trigger:        z.Trigger,
			Agents:         z.Agents,
			PromptTemplate: z.PromptTemplate,
			Actions:        actions,
			ErrorPolicy:    z.ErrorPolicy,
			PosX:           z.PosX,
			PosY:           z.PosY,
			Width:          z.Width,
			Height:         z.Height,
		})
	}

	data, err := yaml.Marshal(&seed)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize seed: %w", err)
	}
	return data, nil
}

// ExportSeed writes the current zones back out as a YAML seed file.
func ExportSeed(path string, zones []*persistence.Zone) error {
	data, err := MarshalSeed(zones)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // Seed files are not sensitive
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}
