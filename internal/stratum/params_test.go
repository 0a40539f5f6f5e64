package stratum

import (
	"reflect"
	"testing"

	"github.com/bardlex/stratumpool/pkg/errors"
)

func TestBindParams_Arity(t *testing.T) {
	tests := []struct {
		method  string
		params  []any
		wantErr bool
	}{
		{MethodSubscribe, nil, false},
		{MethodSubscribe, []any{"ua", "sid"}, false},
		{MethodSubscribe, []any{"ua", "sid", "extra"}, true},
		{MethodAuthorize, nil, true},
		{MethodAuthorize, []any{"addr"}, false},
		{MethodSuggestDifficulty, []any{}, true},
		{MethodSuggestDifficulty, []any{1.0, 2.0}, true},
		{MethodSubmit, []any{"w", "1", "00", "00", "00"}, false},
		{MethodSubmit, []any{"w", "1", "00", "00"}, true},
		{MethodSubmit, []any{"w", "1", "00", "00", "00", "00", "00"}, true},
		{"mining.extranonce.subscribe", nil, true},
	}
	for _, tt := range tests {
		_, err := BindParams(tt.method, tt.params)
		if (err != nil) != tt.wantErr {
			t.Errorf("BindParams(%s, %d params) error = %v, wantErr %v", tt.method, len(tt.params), err, tt.wantErr)
		}
		if err != nil && errorCode(err) != ErrorInvalidParams {
			t.Errorf("arity error code = %d", errorCode(err))
		}
	}
}

func TestParseSubmitRequest(t *testing.T) {
	got, err := ParseSubmitRequest([]any{"addr.rig1", "1f", "0000002a", "6553f100", "012cb701", "00002000"})
	if err != nil {
		t.Fatal(err)
	}
	want := &SubmitRequest{
		Worker:      "addr.rig1",
		JobID:       "1f",
		ExtraNonce2: "0000002a",
		NTime:       "6553f100",
		Nonce:       "012cb701",
		VersionMask: "00002000",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseSubmitRequest() = %+v, want %+v", got, want)
	}

	got, err = ParseSubmitRequest([]any{"w", "2", "00000000", "6553f100", "00000000"})
	if err != nil || got.VersionMask != "" {
		t.Errorf("five params: %+v, %v", got, err)
	}

	if _, err := ParseSubmitRequest([]any{"w", 2.0, "00000000", "6553f100", "00000000"}); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("numeric job id error = %v", err)
	}
	if _, err := ParseSubmitRequest([]any{"w", "", "00000000", "6553f100", "00000000"}); err == nil {
		t.Error("empty job id accepted")
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		params     []any
		wantAddr   string
		wantWorker string
	}{
		{[]any{"bc1qexample.rig7", "x"}, "bc1qexample", "rig7"},
		{[]any{"bc1qexample"}, "bc1qexample", "worker"},
		{[]any{"bc1qexample.", nil}, "bc1qexample", "worker"},
		{[]any{"bc1qexample.a.b"}, "bc1qexample", "a.b"},
	}
	for _, tt := range tests {
		req, err := ParseAuthorizeRequest(tt.params)
		if err != nil {
			t.Fatalf("ParseAuthorizeRequest(%v) error = %v", tt.params, err)
		}
		if req.Address() != tt.wantAddr || req.Worker() != tt.wantWorker {
			t.Errorf("%v -> (%q, %q), want (%q, %q)", tt.params, req.Address(), req.Worker(), tt.wantAddr, tt.wantWorker)
		}
	}

	if _, err := ParseAuthorizeRequest([]any{42.0}); err == nil {
		t.Error("numeric username accepted")
	}
}

func TestParseSuggestDifficulty(t *testing.T) {
	tests := []struct {
		params  []any
		want    float64
		wantErr bool
	}{
		{[]any{512.0}, 512, false},
		{[]any{"0.001"}, 0.001, false},
		{[]any{0.0}, 0, true},
		{[]any{-4.0}, 0, true},
		{[]any{"abc"}, 0, true},
		{[]any{"512abc"}, 0, true},
		{[]any{"1e3"}, 1000, false},
		{[]any{"NaN"}, 0, true},
		{[]any{"+Inf"}, 0, true},
		{[]any{true}, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSuggestDifficulty(tt.params)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSuggestDifficulty(%v) = %v, %v", tt.params, got, err)
		}
	}
}

func TestParseConfigureRequest(t *testing.T) {
	req, err := ParseConfigureRequest([]any{
		[]any{"version-rolling"},
		map[string]any{"version-rolling.mask": "ffffffff"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(req.Extensions, []string{"version-rolling"}) {
		t.Errorf("Extensions = %v", req.Extensions)
	}
	if req.Params["version-rolling.mask"] != "ffffffff" {
		t.Errorf("Params = %v", req.Params)
	}

	if _, err := ParseConfigureRequest([]any{"version-rolling"}); err == nil {
		t.Error("non-array extensions accepted")
	}
}
