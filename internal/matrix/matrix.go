// Package matrix expands job strategy matrices into the concrete
// combinations that become job instances.
package matrix

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	includeKeyConstant                = "include"
	excludeKeyConstant                = "exclude"
	matrixMappingRequiredMessage      = "matrix must be a mapping of axes"
	axisSequenceRequiredTemplate      = "matrix axis %q must be a sequence of scalar values"
	axisEmptyTemplate                 = "matrix axis %q must declare at least one value"
	axisDuplicateTemplate             = "matrix axis %q declared more than once"
	combinationListRequiredTemplate   = "matrix %s must be a sequence of mappings"
	combinationScalarRequiredTemplate = "matrix %s entry %d value for %q must be a scalar"
	excludeUnknownAxisTemplate        = "matrix exclude entry %d references unknown axis %q"
	displayNameTemplate               = "%s (%s)"
)

// ErrEmptyCombination is returned when an include or exclude entry declares no keys.
var ErrEmptyCombination = errors.New("matrix include and exclude entries must declare at least one key")

// Axis is one named dimension of a matrix with its ordered values.
type Axis struct {
	Name   string
	Values []string
}

// Combination maps axis names to the selected values.
type Combination map[string]string

// Definition is a strategy matrix as declared in a workflow, with axis order preserved.
type Definition struct {
	Axes    []Axis
	Include []Combination
	Exclude []Combination
}

// IsEmpty reports whether the definition declares no axes and no includes.
func (definition Definition) IsEmpty() bool {
	return len(definition.Axes) == 0 && len(definition.Include) == 0
}

// UnmarshalYAML decodes a matrix mapping while keeping axis declaration order.
func (definition *Definition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.New(matrixMappingRequiredMessage)
	}

	decoded := Definition{}
	seenAxes := make(map[string]struct{})
	for index := 0; index+1 < len(node.Content); index += 2 {
		keyNode := node.Content[index]
		valueNode := node.Content[index+1]
		key := strings.TrimSpace(keyNode.Value)

		switch key {
		case includeKeyConstant:
			combinations, decodeError := decodeCombinations(valueNode, includeKeyConstant)
			if decodeError != nil {
				return decodeError
			}
			decoded.Include = combinations
		case excludeKeyConstant:
			combinations, decodeError := decodeCombinations(valueNode, excludeKeyConstant)
			if decodeError != nil {
				return decodeError
			}
			decoded.Exclude = combinations
		default:
			if _, duplicate := seenAxes[key]; duplicate {
				return fmt.Errorf(axisDuplicateTemplate, key)
			}
			seenAxes[key] = struct{}{}
			axis, axisError := decodeAxis(key, valueNode)
			if axisError != nil {
				return axisError
			}
			decoded.Axes = append(decoded.Axes, axis)
		}
	}

	*definition = decoded
	return nil
}

func decodeAxis(name string, valueNode *yaml.Node) (Axis, error) {
	if valueNode.Kind != yaml.SequenceNode {
		return Axis{}, fmt.Errorf(axisSequenceRequiredTemplate, name)
	}
	values := make([]string, 0, len(valueNode.Content))
	for _, entry := range valueNode.Content {
		if entry.Kind != yaml.ScalarNode {
			return Axis{}, fmt.Errorf(axisSequenceRequiredTemplate, name)
		}
		values = append(values, entry.Value)
	}
	if len(values) == 0 {
		return Axis{}, fmt.Errorf(axisEmptyTemplate, name)
	}
	return Axis{Name: name, Values: values}, nil
}

func decodeCombinations(valueNode *yaml.Node, descriptor string) ([]Combination, error) {
	if valueNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf(combinationListRequiredTemplate, descriptor)
	}
	combinations := make([]Combination, 0, len(valueNode.Content))
	for entryIndex, entry := range valueNode.Content {
		if entry.Kind != yaml.MappingNode {
			return nil, fmt.Errorf(combinationListRequiredTemplate, descriptor)
		}
		combination := make(Combination, len(entry.Content)/2)
		for index := 0; index+1 < len(entry.Content); index += 2 {
			key := strings.TrimSpace(entry.Content[index].Value)
			value := entry.Content[index+1]
			if value.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf(combinationScalarRequiredTemplate, descriptor, entryIndex, key)
			}
			combination[key] = value.Value
		}
		if len(combination) == 0 {
			return nil, ErrEmptyCombination
		}
		combinations = append(combinations, combination)
	}
	return combinations, nil
}

// Expand returns the combinations described by the definition in a deterministic order.
// The cross product varies the last declared axis fastest; exclude entries remove
// every combination they fully match; include entries extend combinations they do not
// conflict with, or are appended as new combinations when they extend none.
func Expand(definition Definition) ([]Combination, error) {
	if validationError := validateExcludes(definition); validationError != nil {
		return nil, validationError
	}

	combinations := crossProduct(definition.Axes)
	combinations = applyExcludes(combinations, definition.Exclude)

	originalAxes := make(map[string]struct{}, len(definition.Axes))
	for _, axis := range definition.Axes {
		originalAxes[axis.Name] = struct{}{}
	}
	combinations = applyIncludes(combinations, definition.Include, originalAxes)

	if len(combinations) == 0 && definition.IsEmpty() {
		return []Combination{{}}, nil
	}
	return combinations, nil
}

func validateExcludes(definition Definition) error {
	axisNames := make(map[string]struct{}, len(definition.Axes))
	for _, axis := range definition.Axes {
		axisNames[axis.Name] = struct{}{}
	}
	for entryIndex, exclusion := range definition.Exclude {
		for key := range exclusion {
			if _, known := axisNames[key]; !known {
				return fmt.Errorf(excludeUnknownAxisTemplate, entryIndex, key)
			}
		}
	}
	return nil
}

func crossProduct(axes []Axis) []Combination {
	if len(axes) == 0 {
		return nil
	}
	combinations := []Combination{{}}
	for _, axis := range axes {
		next := make([]Combination, 0, len(combinations)*len(axis.Values))
		for _, existing := range combinations {
			for _, value := range axis.Values {
				extended := existing.clone()
				extended[axis.Name] = value
				next = append(next, extended)
			}
		}
		combinations = next
	}
	return combinations
}

func applyExcludes(combinations []Combination, exclusions []Combination) []Combination {
	if len(exclusions) == 0 {
		return combinations
	}
	retained := make([]Combination, 0, len(combinations))
	for _, combination := range combinations {
		excluded := false
		for _, exclusion := range exclusions {
			if combination.matches(exclusion) {
				excluded = true
				break
			}
		}
		if !excluded {
			retained = append(retained, combination)
		}
	}
	return retained
}

func applyIncludes(combinations []Combination, inclusions []Combination, originalAxes map[string]struct{}) []Combination {
	expandedCount := len(combinations)
	for _, inclusion := range inclusions {
		merged := false
		for index := range combinations[:expandedCount] {
			if !combinations[index].acceptsInclusion(inclusion, originalAxes) {
				continue
			}
			for key, value := range inclusion {
				combinations[index][key] = value
			}
			merged = true
		}
		if !merged {
			combinations = append(combinations, inclusion.clone())
		}
	}
	return combinations
}

func (combination Combination) clone() Combination {
	cloned := make(Combination, len(combination))
	for key, value := range combination {
		cloned[key] = value
	}
	return cloned
}

// SortedKeys returns the combination keys in lexical order.
func (combination Combination) SortedKeys() []string {
	keys := make([]string, 0, len(combination))
	for key := range combination {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (combination Combination) matches(pattern Combination) bool {
	for key, value := range pattern {
		if combination[key] != value {
			return false
		}
	}
	return true
}

// acceptsInclusion reports whether inclusion can be merged without overwriting an original axis value.
func (combination Combination) acceptsInclusion(inclusion Combination, originalAxes map[string]struct{}) bool {
	for key, value := range inclusion {
		if _, original := originalAxes[key]; !original {
			continue
		}
		current, present := combination[key]
		if present && current != value {
			return false
		}
	}
	return true
}

// DisplayName renders the instance name for a job and combination, listing values in axis order
// followed by include-only keys in lexical order.
func DisplayName(jobName string, definition Definition, combination Combination) string {
	if len(combination) == 0 {
		return jobName
	}
	values := make([]string, 0, len(combination))
	listed := make(map[string]struct{}, len(combination))
	for _, axis := range definition.Axes {
		if value, present := combination[axis.Name]; present {
			values = append(values, value)
			listed[axis.Name] = struct{}{}
		}
	}
	for _, key := range combination.SortedKeys() {
		if _, done := listed[key]; done {
			continue
		}
		values = append(values, combination[key])
	}
	return fmt.Sprintf(displayNameTemplate, jobName, strings.Join(values, ", "))
}
