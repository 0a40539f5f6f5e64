package postgres

import (
	"strings"
	"testing"

	"github.com/bardlex/stratumpool/internal/messaging"
)

func TestBlockStatus(t *testing.T) {
	tests := []struct {
		result string
		want   string
	}{
		{"", BlockAccepted},
		{"duplicate", BlockRejected},
		{"bad-txnmrklroot", BlockRejected},
	}
	for _, tt := range tests {
		if got := BlockStatus(messaging.BlockFoundMessage{Result: tt.result}); got != tt.want {
			t.Errorf("BlockStatus(%q) = %q, want %q", tt.result, got, tt.want)
		}
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	for _, stmt := range schema {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("schema statement is not idempotent:\n%s", stmt)
		}
	}
}
