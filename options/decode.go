package options

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// ErrUnknownOption is returned by DecodeRaw for keys that do not name an
// option exactly.
var ErrUnknownOption = errors.New("unknown option")

// DecodeRaw parses a JSON options document. Keys are matched case-sensitively,
// so "containerID" is rejected rather than read as "containerId". Blank input
// yields empty options.
func DecodeRaw(data []byte) (RawOptions, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return RawOptions{}, nil
	}
	if err := checkKeys(data, reflect.TypeFor[RawOptions](), ""); err != nil {
		return RawOptions{}, err
	}

	var raw RawOptions
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return RawOptions{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return RawOptions{}, errors.New("unexpected data after options object")
	}
	return raw, nil
}

func checkKeys(data []byte, t reflect.Type, prefix string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// Shape errors are reported by the decoder.
		return nil
	}
	known := jsonFields(t)
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		ft, ok := known[key]
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownOption, prefix+key)
		}
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			if err := checkKeys(fields[key], ft, prefix+key+"."); err != nil {
				return err
			}
		}
	}
	return nil
}

func jsonFields(t reflect.Type) map[string]reflect.Type {
	out := make(map[string]reflect.Type, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out[name] = f.Type
	}
	return out
}
