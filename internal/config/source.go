package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/bardlex/stratumpool/internal/job"
)

// source resolves a key from the environment first, then from values
// flattened out of the TOML file. Table nesting becomes an underscore, so
// rpc_host under [bitcoin] answers BITCOIN_RPC_HOST.
type source struct {
	getenv func(string) string
	file   map[string]string
	tables []job.Payout
	errs   []error
}

func (s *source) loadTree(tree *toml.Tree) error {
	s.file = map[string]string{}
	for key, value := range tree.ToMap() {
		if strings.EqualFold(key, "payouts") {
			payouts, err := filePayouts(value)
			if err != nil {
				return err
			}
			s.tables = payouts
			continue
		}
		flatten(s.file, strings.ToUpper(key), value)
	}
	return nil
}

func flatten(out map[string]string, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for k, inner := range v {
			flatten(out, prefix+"_"+strings.ToUpper(k), inner)
		}
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

// filePayouts reads [[payouts]] tables with address and percent keys.
func filePayouts(value any) ([]job.Payout, error) {
	tables, ok := value.([]map[string]any)
	if !ok {
		items, isList := value.([]any)
		if !isList {
			return nil, fmt.Errorf("payouts must be an array of tables")
		}
		for _, item := range items {
			table, isTable := item.(map[string]any)
			if !isTable {
				return nil, fmt.Errorf("payouts must be an array of tables")
			}
			tables = append(tables, table)
		}
	}

	out := make([]job.Payout, 0, len(tables))
	for i, table := range tables {
		addr, _ := table["address"].(string)
		var pct float64
		switch p := table["percent"].(type) {
		case int64:
			pct = float64(p)
		case float64:
			pct = p
		default:
			return nil, fmt.Errorf("payouts[%d]: percent must be a number", i)
		}
		out = append(out, job.Payout{Address: addr, Percent: pct})
	}
	return out, nil
}

func (s *source) lookup(key string) (string, bool) {
	if v := s.getenv(key); v != "" {
		return v, true
	}
	if v, ok := s.file[key]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (s *source) str(key, defaultValue string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return defaultValue
}

func (s *source) int(key string, defaultValue int) int {
	v, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return defaultValue
	}
	return parsed
}

func (s *source) float(key string, defaultValue float64) float64 {
	v, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return defaultValue
	}
	return parsed
}

func (s *source) duration(key string, defaultValue time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return defaultValue
	}
	return parsed
}

func (s *source) list(key string) []string {
	v, ok := s.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// payouts prefers PAYOUTS from the environment over [[payouts]] tables.
func (s *source) payouts() ([]job.Payout, error) {
	if v := s.getenv("PAYOUTS"); v != "" {
		return ParsePayouts(v)
	}
	if s.tables != nil {
		return s.tables, nil
	}
	if v, ok := s.file["PAYOUTS"]; ok {
		return ParsePayouts(v)
	}
	return nil, nil
}
