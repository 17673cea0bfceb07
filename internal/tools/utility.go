package tools

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// RegisterUtilityTools adds the always-available helpers: URL liveness
// probing, arithmetic, and the current time. The corrector leans on
// these to validate links and figures before they reach the user.
func RegisterUtilityTools(m *Manager) {
	m.Register(Definition{
		Name:        "url_head_check",
		Description: "Check whether a URL is reachable via an HTTP HEAD request. Returns the status code and final URL after redirects.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "Absolute http(s) URL to probe",
				},
			},
			"required": []interface{}{"url"},
		},
		Handler: urlHeadCheck,
	})

	m.Register(Definition{
		Name:        "calculate",
		Description: "Evaluate a basic arithmetic expression (+, -, *, /, parentheses). Use for capacity math instead of estimating.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{
					"type":        "string",
					"description": "Arithmetic expression, e.g. \"4 * 1024 * 0.75\"",
				},
			},
			"required": []interface{}{"expression"},
		},
		Handler: calculate,
	})

	m.Register(Definition{
		Name:        "current_time",
		Description: "Return the current UTC time in RFC 3339 format.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"utc": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	})
}

var headClient = &http.Client{Timeout: 10 * time.Second}

func urlHeadCheck(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawURL, _ := args["url"].(string)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("url must be absolute http(s): %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := headClient.Do(req)
	if err != nil {
		return map[string]interface{}{"url": rawURL, "reachable": false, "error": err.Error()}, nil
	}
	defer resp.Body.Close()
	return map[string]interface{}{
		"url":         rawURL,
		"final_url":   resp.Request.URL.String(),
		"status_code": resp.StatusCode,
		"reachable":   resp.StatusCode < 400,
	}, nil
}

func calculate(_ context.Context, args map[string]interface{}) (interface{}, error) {
	expr, _ := args["expression"].(string)
	p := &exprParser{input: expr}
	value, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return map[string]interface{}{"expression": expr, "result": value}, nil
}

// exprParser is a minimal recursive-descent evaluator over
// +, -, *, /, unary minus, and parentheses.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return p.parseNumber()
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", p.input[start:p.pos])
	}
	return v, nil
}
