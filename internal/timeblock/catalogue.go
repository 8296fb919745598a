package timeblock

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Slot is a bookable block shown to clients. Slots are never persisted.
type Slot struct {
	Label     string `yaml:"label" json:"label"`
	StartHour int    `yaml:"start_hour" json:"startHour"`
	EndHour   int    `yaml:"end_hour" json:"endHour"`
}

// Catalogue is the ordered list of daily slots.
type Catalogue []Slot

// DefaultCatalogue returns the five standard blocks. 13-14 is the lunch break.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		{Label: "07:00 - 09:00", StartHour: 7, EndHour: 9},
		{Label: "09:00 - 11:00", StartHour: 9, EndHour: 11},
		{Label: "11:00 - 13:00", StartHour: 11, EndHour: 13},
		{Label: "14:00 - 16:00", StartHour: 14, EndHour: 16},
		{Label: "16:00 - 18:00", StartHour: 16, EndHour: 18},
	}
}

var ErrInvalidCatalogue = errors.New("invalid slot catalogue")

// Validate checks that slots are well formed, ordered and disjoint.
func (c Catalogue) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: no slots", ErrInvalidCatalogue)
	}
	for i, s := range c {
		if !ValidHours(s.StartHour, s.EndHour) {
			return fmt.Errorf("%w: slot %d has range %d-%d", ErrInvalidCatalogue, i, s.StartHour, s.EndHour)
		}
		if i > 0 && s.StartHour < c[i-1].EndHour {
			return fmt.Errorf("%w: slot %d starts before slot %d ends", ErrInvalidCatalogue, i, i-1)
		}
	}
	return nil
}

type catalogueFile struct {
	Slots []Slot `yaml:"slots"`
}

// LoadCatalogue reads a YAML override. An empty path yields the default catalogue.
//
//	slots:
//	  - label: "08:00 - 10:00"
//	    start_hour: 8
//	    end_hour: 10
func LoadCatalogue(path string) (Catalogue, error) {
	if path == "" {
		return DefaultCatalogue(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slot catalogue: %w", err)
	}
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse slot catalogue: %w", err)
	}
	cat := Catalogue(f.Slots)
	for i := range cat {
		if cat[i].Label == "" {
			cat[i].Label = fmt.Sprintf("%02d:00 - %02d:00", cat[i].StartHour, cat[i].EndHour)
		}
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}
