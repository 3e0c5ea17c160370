package config

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Dump writes pb as YAML with secrets stripped. Durations are written the
// way they are read ("15s") and file modes as octal strings.
func Dump(w io.Writer, pb Playbook) error {
	StripSecrets(&pb)

	node, err := encodeValue(reflect.ValueOf(pb))
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return err
	}
	return enc.Close()
}

func encodeValue(v reflect.Value) (*yaml.Node, error) {
	switch v.Type() {
	case durationType:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(v.Int()).String()}, nil
	case fileModeType:
		return &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!str",
			Style: yaml.DoubleQuotedStyle,
			Value: fmt.Sprintf("%#o", v.Uint()),
		}, nil
	}

	switch v.Kind() {
	case reflect.Pointer:
		return encodeValue(v.Elem())

	case reflect.Struct:
		n := &yaml.Node{Kind: yaml.MappingNode}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitEmpty, skip := yamlField(f)
			if skip {
				continue
			}
			fv := v.Field(i)
			if (omitEmpty || fv.Kind() == reflect.Pointer) && fv.IsZero() {
				continue
			}
			child, err := encodeValue(fv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, child)
		}
		return n, nil

	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Struct {
			break
		}
		n := &yaml.Node{Kind: yaml.SequenceNode}
		for i := 0; i < v.Len(); i++ {
			child, err := encodeValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, child)
		}
		return n, nil
	}

	n := &yaml.Node{}
	if err := n.Encode(v.Interface()); err != nil {
		return nil, err
	}
	return n, nil
}

func yamlField(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := f.Tag.Get("yaml")
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = strings.ToLower(f.Name)
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}
