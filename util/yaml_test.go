package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

type yamlParentType struct {
	Name  string        `yaml:"name"`
	Child yamlChildType `yaml:"child"`
}

type yamlChildType struct {
	Port int `yaml:"port"`
}

func TestYAMLMarshal(t *testing.T) {
	y, err := MarshalYaml(&yamlParentType{
		Name:  "succ",
		Child: yamlChildType{Port: 24224},
	})
	assert.Nil(t, err)
	assert.Equal(t, "name: succ\nchild:\n  port: 24224\n", y)
}

func TestYAMLUnmarshal(t *testing.T) {
	var yp yamlParentType
	assert.Nil(t, UnmarshalYamlString(`
name: hi
child:
  port: 10
`, &yp))
	assert.Equal(t, yamlParentType{Name: "hi", Child: yamlChildType{Port: 10}}, yp)

	assert.ErrorContains(t, UnmarshalYamlString(`
name: hi
kid: 3
`, &yp), "field kid not found")
}

func TestYAMLUnmarshalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yml")
	assert.Nil(t, os.WriteFile(path, []byte("name: file\nchild: {port: x}\n"), 0o644))

	var yp yamlParentType
	err := UnmarshalYamlFile(path, &yp)
	assert.ErrorContains(t, err, path)

	assert.Error(t, UnmarshalYamlFile(filepath.Join(t.TempDir(), "missing.yml"), &yp))
}
