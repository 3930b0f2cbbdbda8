package stratum

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0",null]}`),
			want: &Message{
				ID:     float64(1), // JSON numbers are parsed as float64
				Method: "mining.subscribe",
				Params: []any{"miner/1.0", nil},
			},
			wantErr: false,
		},
		{
			name: "valid response",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1),
				Result: true,
			},
			wantErr: false,
		},
		{
			name: "valid notification",
			data: []byte(`{"id":null,"method":"mining.notify","params":["job1","prev","cb1","cb2",[],"20000000","1800c29f","5a54a978",true]}`),
			want: &Message{
				ID:     nil,
				Method: "mining.notify",
				Params: []any{"job1", "prev", "cb1", "cb2", []any{}, "20000000", "1800c29f", "5a54a978", true},
			},
			wantErr: false,
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			want:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageClassification(t *testing.T) {
	req := NewRequest(1, "mining.submit", []any{"user"})
	if !req.IsRequest() || req.IsResponse() || req.IsNotification() {
		t.Error("request misclassified")
	}

	resp := NewResponse(1, true)
	if !resp.IsResponse() || resp.IsRequest() || resp.IsNotification() {
		t.Error("response misclassified")
	}

	notif := NewNotification("mining.notify", nil)
	if !notif.IsNotification() || notif.IsRequest() || notif.IsResponse() {
		t.Error("notification misclassified")
	}
}

func TestParseMessageNullResultResponse(t *testing.T) {
	// Some pools reply with both result and error null; the issuing call
	// must still receive it as a response.
	msg, err := ParseMessage([]byte(`{"id":5,"result":null,"error":null}`))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if !msg.IsResponse() {
		t.Error("null-result reply not classified as response")
	}
	if msg.IsNotification() || msg.IsRequest() {
		t.Error("null-result reply misclassified")
	}
}

func TestParseErrorResponseForms(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		wantErr     bool
		wantCode    int
		wantMessage string
	}{
		{
			name:        "list form with traceback",
			data:        []byte(`{"id":5,"result":null,"error":[21,"Job not found",null]}`),
			wantCode:    ErrorJobNotFound,
			wantMessage: "Job not found",
		},
		{
			name:        "list form without traceback",
			data:        []byte(`{"id":5,"result":null,"error":[24,"Unauthorized worker"]}`),
			wantCode:    ErrorUnauthorized,
			wantMessage: "Unauthorized worker",
		},
		{
			name:        "object form",
			data:        []byte(`{"id":5,"result":null,"error":{"code":23,"message":"Low difficulty share"}}`),
			wantCode:    ErrorLowDifficulty,
			wantMessage: "Low difficulty share",
		},
		{
			name:    "list form too short",
			data:    []byte(`{"id":5,"result":null,"error":[20]}`),
			wantErr: true,
		},
		{
			name:    "list form non-numeric code",
			data:    []byte(`{"id":5,"result":null,"error":["nope","msg",null]}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Error == nil {
				t.Fatal("ParseMessage() dropped the error member")
			}
			if msg.Error.Code != tt.wantCode || msg.Error.Message != tt.wantMessage {
				t.Errorf("error = (%d, %q), want (%d, %q)",
					msg.Error.Code, msg.Error.Message, tt.wantCode, tt.wantMessage)
			}
			if !msg.IsResponse() {
				t.Error("error reply not classified as response")
			}
		})
	}
}

func TestErrorMarshalsAsList(t *testing.T) {
	data, err := MarshalMessage(NewErrorResponse(7, ErrorJobNotFound, "Job not found"))
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	if !strings.Contains(string(data), `"error":[21,"Job not found",null]`) {
		t.Errorf("marshaled error not in list form: %s", data)
	}

	// A full round trip preserves code and message.
	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Error.Code != ErrorJobNotFound || msg.Error.Message != "Job not found" {
		t.Errorf("round trip error = %+v", msg.Error)
	}
}

func TestParseSubscribeResult(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		want    *SubscribeResult
		wantErr bool
	}{
		{
			name: "typical reply",
			result: []any{
				[]any{[]any{"mining.notify", "deadbeef"}},
				"08000002",
				float64(4),
			},
			want: &SubscribeResult{ExtraNonce1: "08000002", ExtraNonce2Size: 4},
		},
		{
			name:    "too short",
			result:  []any{"08000002"},
			wantErr: true,
		},
		{
			name:    "not an array",
			result:  "08000002",
			wantErr: true,
		},
		{
			name:    "empty extranonce1",
			result:  []any{nil, "", float64(4)},
			wantErr: true,
		},
		{
			name:    "zero extranonce2 size",
			result:  []any{nil, "08000002", float64(0)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubscribeResult(tt.result)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubscribeResult() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubscribeResult() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseNotifyParams(t *testing.T) {
	params := []any{
		"job42",
		"00000000000000000001a2b3",
		"01000000",
		"ffffffff",
		[]any{"aa", "bb"},
		"20000000",
		"1800c29f",
		"5a54a978",
		true,
	}

	got, err := ParseNotifyParams(params)
	if err != nil {
		t.Fatalf("ParseNotifyParams() error = %v", err)
	}

	want := &NotifyParams{
		JobID:        "job42",
		PrevHash:     "00000000000000000001a2b3",
		Coinb1:       "01000000",
		Coinb2:       "ffffffff",
		MerkleBranch: []string{"aa", "bb"},
		Version:      "20000000",
		NBits:        "1800c29f",
		NTime:        "5a54a978",
		CleanJobs:    true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseNotifyParams() = %+v, want %+v", got, want)
	}
}

func TestParseNotifyParamsErrors(t *testing.T) {
	tests := []struct {
		name   string
		params []any
	}{
		{"too short", []any{"job42"}},
		{"bad merkle branch", []any{"j", "p", "c1", "c2", "notarray", "v", "b", "t", true}},
		{"bad clean_jobs", []any{"j", "p", "c1", "c2", []any{}, "v", "b", "t", "yes"}},
		{"non-string branch entry", []any{"j", "p", "c1", "c2", []any{float64(1)}, "v", "b", "t", false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseNotifyParams(tt.params); err == nil {
				t.Error("ParseNotifyParams() error = nil, want error")
			}
		})
	}
}

func TestNotifyParamsRoundTrip(t *testing.T) {
	orig := []any{
		"job42", "prev", "c1", "c2",
		[]any{"aa"}, "20000000", "1800c29f", "5a54a978", false,
	}

	parsed, err := ParseNotifyParams(orig)
	if err != nil {
		t.Fatalf("ParseNotifyParams() error = %v", err)
	}

	if !reflect.DeepEqual(parsed.Params(), orig) {
		t.Errorf("Params() = %v, want %v", parsed.Params(), orig)
	}
}

func TestParseSubmitRequest(t *testing.T) {
	params := []any{"user.worker", "job42", "00000001", "5a54a978", "b2957c02"}

	got, err := ParseSubmitRequest(params)
	if err != nil {
		t.Fatalf("ParseSubmitRequest() error = %v", err)
	}

	if got.Username != "user.worker" || got.JobID != "job42" ||
		got.ExtraNonce2 != "00000001" || got.NTime != "5a54a978" || got.Nonce != "b2957c02" {
		t.Errorf("ParseSubmitRequest() = %+v", got)
	}

	if _, err := ParseSubmitRequest(params[:4]); err == nil {
		t.Error("ParseSubmitRequest() with 4 params should fail")
	}
	if _, err := ParseSubmitRequest([]any{1, 2, 3, 4, 5}); err == nil {
		t.Error("ParseSubmitRequest() with non-string params should fail")
	}
}

func TestParseSetDifficulty(t *testing.T) {
	if diff, err := ParseSetDifficulty([]any{float64(16)}); err != nil || diff != 16 {
		t.Errorf("ParseSetDifficulty() = (%v, %v), want (16, nil)", diff, err)
	}
	if _, err := ParseSetDifficulty([]any{}); err == nil {
		t.Error("ParseSetDifficulty() with no params should fail")
	}
	if _, err := ParseSetDifficulty([]any{float64(-1)}); err == nil {
		t.Error("ParseSetDifficulty() with negative difficulty should fail")
	}
}

func TestResultBool(t *testing.T) {
	if !ResultBool(true) {
		t.Error("ResultBool(true) = false")
	}
	if ResultBool(nil) || ResultBool("true") || ResultBool(false) {
		t.Error("ResultBool() should only be true for boolean true")
	}
}
