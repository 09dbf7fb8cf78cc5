// Package placement turns a user's placement request into a plan that names
// a concrete device for every layer of a model.
package placement

import (
	"encoding/json"
	"os"
	"regexp"

	"github.com/sarchlab/devplace"
)

// A Spec is a placement request. It is either a SingleDevice or a LayerMap.
type Spec interface {
	isSpec()
}

// SingleDevice places the whole model on one device.
type SingleDevice struct {
	Device devplace.DeviceID
}

func (SingleDevice) isSpec() {}

// LayerMap places each layer on the device behind an abstract device index.
type LayerMap struct {
	Entries map[string]int
}

func (LayerMap) isSpec() {}

var deviceNamePattern = regexp.MustCompile(`^([a-z][a-z0-9_]*)(?::(\d+))?$`)

var kindAliases = map[string]string{
	"cuda": "accel",
}

// ParseSpec interprets a placement argument. When arg names an existing file,
// the placement is loaded from it. Otherwise arg is taken as a device name.
func ParseSpec(arg string) (Spec, error) {
	info, err := os.Stat(arg)
	if err == nil && !info.IsDir() {
		return LoadSpec(arg)
	}

	id, err := ParseDeviceName(arg)
	if err != nil {
		return nil, err
	}

	return SingleDevice{Device: id}, nil
}

// ParseDeviceName validates a device name of the form kind[:index]. A name
// without an index refers to index 0. The kind "cuda" is an alias of "accel".
func ParseDeviceName(name string) (devplace.DeviceID, error) {
	m := deviceNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", &devplace.MalformedSpecError{
			Spec:   name,
			Reason: "neither an existing placement file nor a device name",
		}
	}

	index := m[2]
	if index == "" {
		index = "0"
	}

	kind := m[1]
	if alias, ok := kindAliases[kind]; ok {
		kind = alias
	}

	return devplace.DeviceID(kind + ":" + index), nil
}

// LoadSpec reads a placement from a JSON file. The file holds either a device
// name as a JSON string or an object mapping layer names to device indices.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &devplace.MalformedSpecError{Spec: path, Reason: err.Error()}
	}

	return DecodeSpec(path, data)
}

// DecodeSpec parses the JSON content of a placement file. The name only
// appears in error messages. An empty object is accepted here and left for
// Resolve to report the layers it does not cover.
func DecodeSpec(name string, data []byte) (Spec, error) {
	var raw json.RawMessage

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return nil, malformedFile(name, err)
	}

	switch raw[0] {
	case '"':
		var device string
		if err := json.Unmarshal(raw, &device); err != nil {
			return nil, malformedFile(name, err)
		}

		id, err := ParseDeviceName(device)
		if err != nil {
			return nil, err
		}

		return SingleDevice{Device: id}, nil
	case '{':
		entries := make(map[string]int)
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, malformedFile(name, err)
		}

		return LayerMap{Entries: entries}, nil
	default:
		return nil, malformedFile(name, nil)
	}
}

func malformedFile(name string, err error) error {
	reason := "expecting a device name or a JSON object of layer names " +
		"to device indices"
	if err != nil {
		reason += ": " + err.Error()
	}

	return &devplace.MalformedSpecError{Spec: name, Reason: reason}
}
