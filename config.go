package tablestore

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// ParseOptions decodes YAML option data on top of DefaultOptions and
// validates the result. Unknown keys are rejected.
func ParseOptions(data []byte) (Options, error) {
	o := DefaultOptions()
	if err := yaml.UnmarshalWithOptions(data, &o, yaml.DisallowUnknownField()); err != nil {
		return Options{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// LoadOptions reads an option file. A missing file yields DefaultOptions.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultOptions(), nil
		}
		return Options{}, err
	}
	o, err := ParseOptions(data)
	if err != nil {
		return Options{}, fmt.Errorf("load options %s: %w", path, err)
	}
	return o, nil
}

// YAML encodes the options as an option file.
func (o Options) YAML() ([]byte, error) {
	return yaml.Marshal(o)
}
