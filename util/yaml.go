package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarshalYaml marshals the given source to a YAML string
func MarshalYaml(source interface{}) (string, error) {
	writer := &bytes.Buffer{}
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(source); err != nil {
		return "", err
	}
	if err := encoder.Close(); err != nil {
		return "", err
	}
	return writer.String(), nil
}

// UnmarshalYamlFile loads and unmarshals YAML from file to pointer to struct
func UnmarshalYamlFile(path string, output interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := UnmarshalYamlReader(file, output); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// UnmarshalYamlReader loads and unmarshals YAML from IO reader to pointer to struct
//
// Unknown fields are rejected
func UnmarshalYamlReader(reader io.Reader, output interface{}) error {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	return decoder.Decode(output)
}

// UnmarshalYamlString loads and unmarshals YAML in string to pointer to struct
func UnmarshalYamlString(contents string, output interface{}) error {
	return UnmarshalYamlReader(strings.NewReader(contents), output)
}
