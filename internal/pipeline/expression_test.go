package pipeline_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shibzuko/ciflow/internal/matrix"
	"github.com/shibzuko/ciflow/internal/pipeline"
)

func buildExpressionContext() pipeline.ExpressionContext {
	return pipeline.ExpressionContext{
		Matrix:      matrix.Combination{"os": "ubuntu-24.04", "python-version": "3.11"},
		Environment: map[string]string{"LMS_CFG": "lms/envs/minimal.yml"},
		Runner:      map[string]string{"os": "Linux", "temp": "/tmp/runner"},
		GitHub:      map[string]string{"ref": "refs/heads/master", "event_name": "push"},
		Steps: map[string]pipeline.StepState{
			"pip-cache-dir": {Outputs: map[string]string{"dir": "/home/runner/.cache/pip"}, Outcome: "success"},
		},
		HashFiles: func(patterns ...string) (string, error) {
			return "hash(" + strings.Join(patterns, "|") + ")", nil
		},
	}
}

func TestExpressionContextInterpolate(testInstance *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain_text", input: "make base-requirements", expected: "make base-requirements"},
		{name: "matrix_value", input: "${{ matrix.os }}", expected: "ubuntu-24.04"},
		{name: "hyphenated_axis", input: "python${{ matrix.python-version }}", expected: "python3.11"},
		{name: "bracket_access", input: "${{ matrix['python-version'] }}", expected: "3.11"},
		{name: "cache_key", input: "${{ runner.os }}-pip-${{ hashFiles('requirements/edx/base.txt') }}", expected: "Linux-pip-hash(requirements/edx/base.txt)"},
		{name: "step_output", input: "${{ steps.pip-cache-dir.outputs.dir }}", expected: "/home/runner/.cache/pip"},
		{name: "step_outcome", input: "${{ steps.pip-cache-dir.outcome }}", expected: "success"},
		{name: "missing_output", input: "[${{ steps.absent.outputs.dir }}]", expected: "[]"},
		{name: "missing_matrix_key", input: "[${{ matrix.arch }}]", expected: "[]"},
		{name: "environment", input: "${{ env.LMS_CFG }}", expected: "lms/envs/minimal.yml"},
		{name: "github", input: "${{ github.ref }}", expected: "refs/heads/master"},
		{name: "fallback", input: "${{ matrix.arch || 'x64' }}", expected: "x64"},
		{name: "string_literal_with_braces", input: "${{ 'a}}b' }}", expected: "a}}b"},
		{name: "escaped_quote", input: "${{ 'it''s' }}", expected: "it's"},
		{name: "number_literal", input: "${{ 20 }}", expected: "20"},
		{name: "format", input: "${{ format('{0}-{1}', runner.os, matrix.os) }}", expected: "Linux-ubuntu-24.04"},
		{name: "multiple_patterns", input: "${{ hashFiles('a.txt', 'b.txt') }}", expected: "hash(a.txt|b.txt)"},
		{name: "boolean_literal", input: "${{ true }}", expected: "true"},
	}

	expressionContext := buildExpressionContext()
	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			rendered, renderError := expressionContext.Interpolate(testCase.input)
			require.NoError(testInstance, renderError)
			require.Equal(testInstance, testCase.expected, rendered)
		})
	}
}

func TestExpressionContextInterpolateErrors(testInstance *testing.T) {
	testCases := map[string]string{
		"unterminated":     "${{ matrix.os ",
		"unknown_context":  "${{ secrets.TOKEN }}",
		"object_reference": "${{ matrix }}",
		"unknown_function": "${{ toJSON(matrix.os) }}",
		"trailing_input":   "${{ matrix.os matrix.os }}",
		"unterminated_str": "${{ 'abc }}",
		"empty_expression": "${{ }}",
	}

	expressionContext := buildExpressionContext()
	for name, input := range testCases {
		testInstance.Run(name, func(testInstance *testing.T) {
			_, renderError := expressionContext.Interpolate(input)
			require.Error(testInstance, renderError)
		})
	}
}

func TestExpressionContextHashFilesUnavailable(testInstance *testing.T) {
	_, renderError := pipeline.ExpressionContext{}.Interpolate("${{ hashFiles('x') }}")
	require.ErrorIs(testInstance, renderError, pipeline.ErrHashFilesUnavailable)
}

func TestExpressionContextInterpolateMap(testInstance *testing.T) {
	rendered, renderError := buildExpressionContext().InterpolateMap(map[string]string{
		"python-version": "${{ matrix.python-version }}",
		"literal":        "value",
	})
	require.NoError(testInstance, renderError)
	require.Equal(testInstance, map[string]string{"python-version": "3.11", "literal": "value"}, rendered)

	empty, emptyError := buildExpressionContext().InterpolateMap(nil)
	require.NoError(testInstance, emptyError)
	require.Nil(testInstance, empty)
}
