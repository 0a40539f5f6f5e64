package stratum

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bardlex/stratumpool/pkg/errors"
)

// paramSpec names the positional parameters of a method. The first min
// names are required; more than len(names) values is an arity error.
type paramSpec struct {
	min   int
	names []string
}

var paramSpecs = map[string]paramSpec{
	MethodSubscribe:         {min: 0, names: []string{"user_agent", "session_id"}},
	MethodConfigure:         {min: 0, names: []string{"extensions", "extension_params"}},
	MethodAuthorize:         {min: 1, names: []string{"username", "password"}},
	MethodSuggestDifficulty: {min: 1, names: []string{"difficulty"}},
	MethodSubmit:            {min: 5, names: []string{"worker", "job_id", "extranonce2", "ntime", "nonce", "version_mask"}},
}

// Params are positional arguments bound to names after an arity check.
type Params struct {
	method string
	values map[string]any
}

// BindParams maps raw positional params onto the method's names.
func BindParams(method string, raw []any) (Params, error) {
	spec, ok := paramSpecs[method]
	if !ok {
		return Params{}, invalidParams(method, "unknown method")
	}
	if len(raw) < spec.min || len(raw) > len(spec.names) {
		if spec.min == len(spec.names) {
			return Params{}, invalidParams(method, fmt.Sprintf("expected %d params, got %d", spec.min, len(raw)))
		}
		return Params{}, invalidParams(method, fmt.Sprintf("expected %d to %d params, got %d", spec.min, len(spec.names), len(raw)))
	}

	values := make(map[string]any, len(raw))
	for i, v := range raw {
		values[spec.names[i]] = v
	}
	return Params{method: method, values: values}, nil
}

func invalidParams(method, message string) *errors.ServiceError {
	return errors.New(errors.ErrorTypeValidation, method, message).WithContext("code", ErrorInvalidParams)
}

// Has reports whether name was supplied and is not null.
func (p Params) Has(name string) bool {
	v, ok := p.values[name]
	return ok && v != nil
}

// String returns a string param. Missing or null optional params yield "".
func (p Params) String(name string) (string, error) {
	v, ok := p.values[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidParams(p.method, name+" must be a string")
	}
	return s, nil
}

// RequiredString is String for params that must be non-empty.
func (p Params) RequiredString(name string) (string, error) {
	s, err := p.String(name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", invalidParams(p.method, name+" is required")
	}
	return s, nil
}

// Float returns a numeric param. Numeric strings are accepted because some
// firmware quotes difficulties.
func (p Params) Float(name string) (float64, error) {
	switch v := p.values[name].(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, invalidParams(p.method, name+" must be a number")
		}
		return f, nil
	default:
		return 0, invalidParams(p.method, name+" must be a number")
	}
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// ParseSubscribeRequest parses mining.subscribe parameters
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	p, err := BindParams(MethodSubscribe, params)
	if err != nil {
		return nil, err
	}
	ua, err := p.String("user_agent")
	if err != nil {
		return nil, err
	}
	sid, err := p.String("session_id")
	if err != nil {
		return nil, err
	}
	return &SubscribeRequest{UserAgent: ua, SessionID: sid}, nil
}

// ConfigureRequest represents a mining.configure request
type ConfigureRequest struct {
	Extensions []string
	Params     map[string]any
}

// ParseConfigureRequest parses mining.configure parameters
func ParseConfigureRequest(params []any) (*ConfigureRequest, error) {
	p, err := BindParams(MethodConfigure, params)
	if err != nil {
		return nil, err
	}

	req := &ConfigureRequest{}
	if p.Has("extensions") {
		list, ok := p.values["extensions"].([]any)
		if !ok {
			return nil, invalidParams(MethodConfigure, "extensions must be an array")
		}
		for _, ext := range list {
			name, ok := ext.(string)
			if !ok {
				return nil, invalidParams(MethodConfigure, "extension names must be strings")
			}
			req.Extensions = append(req.Extensions, name)
		}
	}
	if p.Has("extension_params") {
		m, ok := p.values["extension_params"].(map[string]any)
		if !ok {
			return nil, invalidParams(MethodConfigure, "extension params must be an object")
		}
		req.Params = m
	}
	return req, nil
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// Address returns the payout address part of "address.worker".
func (r *AuthorizeRequest) Address() string {
	addr, _, _ := strings.Cut(r.Username, ".")
	return addr
}

// Worker returns the worker part of "address.worker", "worker" if absent.
func (r *AuthorizeRequest) Worker() string {
	_, worker, found := strings.Cut(r.Username, ".")
	if !found || worker == "" {
		return "worker"
	}
	return worker
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	p, err := BindParams(MethodAuthorize, params)
	if err != nil {
		return nil, err
	}
	username, err := p.RequiredString("username")
	if err != nil {
		return nil, err
	}
	password, err := p.String("password")
	if err != nil {
		return nil, err
	}
	return &AuthorizeRequest{Username: username, Password: password}, nil
}

// ParseSuggestDifficulty parses mining.suggest_difficulty parameters
func ParseSuggestDifficulty(params []any) (float64, error) {
	p, err := BindParams(MethodSuggestDifficulty, params)
	if err != nil {
		return 0, err
	}
	d, err := p.Float("difficulty")
	if err != nil {
		return 0, err
	}
	if !(d > 0) || math.IsInf(d, 0) {
		return 0, invalidParams(MethodSuggestDifficulty, "difficulty must be positive")
	}
	return d, nil
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	VersionMask string // empty when the miner does not roll versions
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	p, err := BindParams(MethodSubmit, params)
	if err != nil {
		return nil, err
	}

	req := &SubmitRequest{}
	fields := []struct {
		name string
		dst  *string
	}{
		{"worker", &req.Worker},
		{"job_id", &req.JobID},
		{"extranonce2", &req.ExtraNonce2},
		{"ntime", &req.NTime},
		{"nonce", &req.Nonce},
	}
	for _, f := range fields {
		if *f.dst, err = p.RequiredString(f.name); err != nil {
			return nil, err
		}
	}
	if req.VersionMask, err = p.String("version_mask"); err != nil {
		return nil, err
	}
	return req, nil
}
