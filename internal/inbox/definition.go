package inbox

import "fmt"

// Definition is one configured inbox: its name, processing type and
// settings. The writer validates writes against it and the worker
// orchestrator runs one processing loop per definition.
type Definition struct {
	Name     string
	Type     Type
	Settings Settings
}

// NewDefinition creates a definition with default settings
func NewDefinition(name string, typ Type) Definition {
	return Definition{Name: name, Type: typ, Settings: DefaultSettings()}
}

// Validate checks the definition is usable
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("inbox name must not be empty")
	}
	if _, err := ParseType(string(d.Type)); err != nil {
		return fmt.Errorf("inbox %s: %w", d.Name, err)
	}
	if err := d.Settings.Validate(); err != nil {
		return fmt.Errorf("inbox %s: %w", d.Name, err)
	}
	return nil
}
