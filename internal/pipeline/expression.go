package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/shibzuko/ciflow/internal/matrix"
)

const (
	expressionOpenTokenConstant            = "${{"
	expressionCloseTokenConstant           = "}}"
	expressionUnterminatedTemplate         = "unterminated expression starting at offset %d"
	expressionSyntaxTemplate               = "invalid expression %q: %s"
	expressionEvaluationTemplate           = "failed to evaluate expression %q: %w"
	expressionUnknownContextTemplate       = "unknown context %q"
	expressionObjectReferenceTemplate      = "%q refers to an object, not a value"
	expressionUnknownFunctionTemplate      = "unknown function %q"
	expressionHashFilesUnavailableMessage  = "hashFiles is not available in this context"
	expressionFormatArgumentsMessage       = "format requires a format string"
	matrixContextNameConstant              = "matrix"
	environmentContextNameConstant         = "env"
	runnerContextNameConstant              = "runner"
	githubContextNameConstant              = "github"
	stepsContextNameConstant               = "steps"
	stepsOutputsSegmentConstant            = "outputs"
	stepsOutcomeSegmentConstant            = "outcome"
	hashFilesFunctionNameConstant          = "hashfiles"
	formatFunctionNameConstant             = "format"
	trueLiteralConstant                    = "true"
	falseLiteralConstant                   = "false"
	nullLiteralConstant                    = "null"
	logicalOrOperatorConstant              = "||"
	expressionTrailingInputMessageConstant = "unexpected trailing input"
)

// ErrHashFilesUnavailable indicates hashFiles was used where no workspace is bound.
var ErrHashFilesUnavailable = errors.New(expressionHashFilesUnavailableMessage)

// StepState is the visible state of a completed step addressed by its id.
type StepState struct {
	Outputs map[string]string
	Outcome string
}

// ExpressionContext carries the values `${{ }}` expressions may reference.
type ExpressionContext struct {
	Matrix      matrix.Combination
	Environment map[string]string
	Runner      map[string]string
	GitHub      map[string]string
	Steps       map[string]StepState
	HashFiles   func(patterns ...string) (string, error)
}

// Interpolate replaces every `${{ expression }}` in text with its evaluated value.
func (expressionContext ExpressionContext) Interpolate(text string) (string, error) {
	if !strings.Contains(text, expressionOpenTokenConstant) {
		return text, nil
	}

	var builder strings.Builder
	remaining := text
	consumed := 0
	for {
		openIndex := strings.Index(remaining, expressionOpenTokenConstant)
		if openIndex < 0 {
			builder.WriteString(remaining)
			return builder.String(), nil
		}
		builder.WriteString(remaining[:openIndex])
		start := openIndex + len(expressionOpenTokenConstant)
		closeIndex := findExpressionClose(remaining[start:])
		if closeIndex < 0 {
			return "", fmt.Errorf(expressionUnterminatedTemplate, consumed+openIndex)
		}
		expression := remaining[start : start+closeIndex]
		value, evaluationError := expressionContext.Evaluate(expression)
		if evaluationError != nil {
			return "", evaluationError
		}
		builder.WriteString(value)
		advance := start + closeIndex + len(expressionCloseTokenConstant)
		consumed += advance
		remaining = remaining[advance:]
	}
}

// InterpolateMap interpolates every value of values into a new map.
func (expressionContext ExpressionContext) InterpolateMap(values map[string]string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	interpolated := make(map[string]string, len(values))
	for key, value := range values {
		rendered, renderError := expressionContext.Interpolate(value)
		if renderError != nil {
			return nil, fmt.Errorf("%s: %w", key, renderError)
		}
		interpolated[key] = rendered
	}
	return interpolated, nil
}

// Evaluate evaluates a single expression body without the surrounding delimiters.
func (expressionContext ExpressionContext) Evaluate(expression string) (string, error) {
	parser := &expressionParser{input: expression, context: expressionContext}
	value, parseError := parser.parseOr()
	if parseError != nil {
		return "", fmt.Errorf(expressionEvaluationTemplate, strings.TrimSpace(expression), parseError)
	}
	parser.skipSpaces()
	if !parser.done() {
		return "", fmt.Errorf(expressionSyntaxTemplate, strings.TrimSpace(expression), expressionTrailingInputMessageConstant)
	}
	return value, nil
}

func findExpressionClose(text string) int {
	inString := false
	for index := 0; index < len(text); index++ {
		character := text[index]
		if character == '\'' {
			if inString && index+1 < len(text) && text[index+1] == '\'' {
				index++
				continue
			}
			inString = !inString
			continue
		}
		if !inString && strings.HasPrefix(text[index:], expressionCloseTokenConstant) {
			return index
		}
	}
	return -1
}

type expressionParser struct {
	input    string
	position int
	context  ExpressionContext
}

func (parser *expressionParser) done() bool {
	return parser.position >= len(parser.input)
}

func (parser *expressionParser) peek() byte {
	if parser.done() {
		return 0
	}
	return parser.input[parser.position]
}

func (parser *expressionParser) skipSpaces() {
	for !parser.done() && unicode.IsSpace(rune(parser.input[parser.position])) {
		parser.position++
	}
}

func (parser *expressionParser) syntaxError(message string) error {
	return fmt.Errorf(expressionSyntaxTemplate, strings.TrimSpace(parser.input), message)
}

// parseOr evaluates `a || b`, yielding the first non-empty operand.
func (parser *expressionParser) parseOr() (string, error) {
	value, primaryError := parser.parsePrimary()
	if primaryError != nil {
		return "", primaryError
	}
	for {
		parser.skipSpaces()
		if !strings.HasPrefix(parser.input[parser.position:], logicalOrOperatorConstant) {
			return value, nil
		}
		parser.position += len(logicalOrOperatorConstant)
		alternative, alternativeError := parser.parsePrimary()
		if alternativeError != nil {
			return "", alternativeError
		}
		if value == "" || value == falseLiteralConstant {
			value = alternative
		}
	}
}

func (parser *expressionParser) parsePrimary() (string, error) {
	parser.skipSpaces()
	if parser.done() {
		return "", parser.syntaxError("expected a value")
	}

	character := parser.peek()
	switch {
	case character == '\'':
		return parser.parseStringLiteral()
	case character == '(':
		parser.position++
		value, innerError := parser.parseOr()
		if innerError != nil {
			return "", innerError
		}
		parser.skipSpaces()
		if parser.peek() != ')' {
			return "", parser.syntaxError("expected ')'")
		}
		parser.position++
		return value, nil
	case character == '-' || (character >= '0' && character <= '9'):
		return parser.parseNumberLiteral()
	case isIdentifierStart(character):
		identifier := parser.parseIdentifier()
		parser.skipSpaces()
		if parser.peek() == '(' {
			return parser.parseFunctionCall(identifier)
		}
		return parser.parsePropertyPath(identifier)
	default:
		return "", parser.syntaxError(fmt.Sprintf("unexpected character %q", character))
	}
}

func (parser *expressionParser) parseStringLiteral() (string, error) {
	parser.position++
	var builder strings.Builder
	for !parser.done() {
		character := parser.input[parser.position]
		parser.position++
		if character != '\'' {
			builder.WriteByte(character)
			continue
		}
		if parser.peek() == '\'' {
			builder.WriteByte('\'')
			parser.position++
			continue
		}
		return builder.String(), nil
	}
	return "", parser.syntaxError("unterminated string literal")
}

func (parser *expressionParser) parseNumberLiteral() (string, error) {
	start := parser.position
	if parser.peek() == '-' {
		parser.position++
	}
	for !parser.done() {
		character := parser.peek()
		if (character >= '0' && character <= '9') || character == '.' {
			parser.position++
			continue
		}
		break
	}
	literal := parser.input[start:parser.position]
	number, parseError := strconv.ParseFloat(literal, 64)
	if parseError != nil {
		return "", parser.syntaxError(fmt.Sprintf("invalid number %q", literal))
	}
	return strconv.FormatFloat(number, 'f', -1, 64), nil
}

func (parser *expressionParser) parseIdentifier() string {
	start := parser.position
	for !parser.done() && isIdentifierPart(parser.peek()) {
		parser.position++
	}
	return parser.input[start:parser.position]
}

func (parser *expressionParser) parseFunctionCall(name string) (string, error) {
	parser.position++
	arguments := make([]string, 0, 2)
	parser.skipSpaces()
	if parser.peek() == ')' {
		parser.position++
	} else {
		for {
			argument, argumentError := parser.parseOr()
			if argumentError != nil {
				return "", argumentError
			}
			arguments = append(arguments, argument)
			parser.skipSpaces()
			if parser.peek() == ',' {
				parser.position++
				continue
			}
			if parser.peek() == ')' {
				parser.position++
				break
			}
			return "", parser.syntaxError("expected ',' or ')'")
		}
	}
	return parser.context.callFunction(name, arguments)
}

func (parser *expressionParser) parsePropertyPath(head string) (string, error) {
	segments := []string{head}
	for {
		switch parser.peek() {
		case '.':
			parser.position++
			if parser.done() || !isIdentifierStart(parser.peek()) {
				return "", parser.syntaxError("expected property name after '.'")
			}
			segments = append(segments, parser.parseIdentifier())
		case '[':
			parser.position++
			parser.skipSpaces()
			if parser.peek() != '\'' {
				return "", parser.syntaxError("expected quoted property name inside '[]'")
			}
			key, keyError := parser.parseStringLiteral()
			if keyError != nil {
				return "", keyError
			}
			parser.skipSpaces()
			if parser.peek() != ']' {
				return "", parser.syntaxError("expected ']'")
			}
			parser.position++
			segments = append(segments, key)
		default:
			return parser.context.resolve(segments)
		}
	}
}

func (expressionContext ExpressionContext) resolve(segments []string) (string, error) {
	reference := strings.Join(segments, ".")
	if len(segments) == 1 {
		switch segments[0] {
		case trueLiteralConstant, falseLiteralConstant:
			return segments[0], nil
		case nullLiteralConstant:
			return "", nil
		case matrixContextNameConstant, environmentContextNameConstant, runnerContextNameConstant, githubContextNameConstant, stepsContextNameConstant:
			return "", fmt.Errorf(expressionObjectReferenceTemplate, reference)
		default:
			return "", fmt.Errorf(expressionUnknownContextTemplate, segments[0])
		}
	}

	switch segments[0] {
	case matrixContextNameConstant:
		return lookupScalar(expressionContext.Matrix, segments[1:])
	case environmentContextNameConstant:
		return lookupScalar(expressionContext.Environment, segments[1:])
	case runnerContextNameConstant:
		return lookupScalar(expressionContext.Runner, segments[1:])
	case githubContextNameConstant:
		return lookupScalar(expressionContext.GitHub, segments[1:])
	case stepsContextNameConstant:
		return expressionContext.resolveStep(segments[1:], reference)
	default:
		return "", fmt.Errorf(expressionUnknownContextTemplate, segments[0])
	}
}

func lookupScalar(values map[string]string, segments []string) (string, error) {
	if len(segments) != 1 {
		return "", nil
	}
	return values[segments[0]], nil
}

func (expressionContext ExpressionContext) resolveStep(segments []string, reference string) (string, error) {
	state, known := expressionContext.Steps[segments[0]]
	if len(segments) == 1 {
		return "", fmt.Errorf(expressionObjectReferenceTemplate, reference)
	}
	if !known {
		return "", nil
	}
	switch segments[1] {
	case stepsOutputsSegmentConstant:
		if len(segments) == 2 {
			return "", fmt.Errorf(expressionObjectReferenceTemplate, reference)
		}
		if len(segments) > 3 {
			return "", nil
		}
		return state.Outputs[segments[2]], nil
	case stepsOutcomeSegmentConstant:
		return state.Outcome, nil
	default:
		return "", nil
	}
}

func (expressionContext ExpressionContext) callFunction(name string, arguments []string) (string, error) {
	switch strings.ToLower(name) {
	case hashFilesFunctionNameConstant:
		if expressionContext.HashFiles == nil {
			return "", ErrHashFilesUnavailable
		}
		return expressionContext.HashFiles(arguments...)
	case formatFunctionNameConstant:
		if len(arguments) == 0 {
			return "", errors.New(expressionFormatArgumentsMessage)
		}
		formatted := arguments[0]
		for index, argument := range arguments[1:] {
			formatted = strings.ReplaceAll(formatted, "{"+strconv.Itoa(index)+"}", argument)
		}
		return formatted, nil
	default:
		return "", fmt.Errorf(expressionUnknownFunctionTemplate, name)
	}
}

func isIdentifierStart(character byte) bool {
	return character == '_' || (character >= 'a' && character <= 'z') || (character >= 'A' && character <= 'Z')
}

func isIdentifierPart(character byte) bool {
	return isIdentifierStart(character) || character == '-' || (character >= '0' && character <= '9')
}
