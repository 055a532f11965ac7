package correlation

import "testing"

func TestExtractOrGenerate_Priority(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		wantValue  string
		wantSource string
	}{
		{
			name: "native header wins",
			headers: map[string]string{
				HeaderCorrelationID:  "native-id",
				HeaderXCorrelationID: "x-corr",
				HeaderXRequestID:     "req",
			},
			wantValue:  "native-id",
			wantSource: HeaderCorrelationID,
		},
		{
			name: "x-correlation-id fallback",
			headers: map[string]string{
				HeaderXCorrelationID: "x-corr",
				HeaderXRequestID:     "req",
			},
			wantValue:  "x-corr",
			wantSource: HeaderXCorrelationID,
		},
		{
			name:       "x-request-id fallback",
			headers:    map[string]string{HeaderXRequestID: "req"},
			wantValue:  "req",
			wantSource: HeaderXRequestID,
		},
		{
			name: "traceparent fallback",
			headers: map[string]string{
				HeaderTraceparent: "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
			},
			wantValue:  "0af7651916cd43dd8448eb211c80319c",
			wantSource: HeaderTraceparent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ExtractOrGenerate(tt.headers)
			if id.Value != tt.wantValue || id.Source != tt.wantSource {
				t.Errorf("got (%q, %q), want (%q, %q)", id.Value, id.Source, tt.wantValue, tt.wantSource)
			}
		})
	}
}

func TestExtractOrGenerate_GeneratesUUID(t *testing.T) {
	id := ExtractOrGenerate(nil)
	if id.Source != "generated" || id.Value == "" {
		t.Errorf("got %+v", id)
	}
	if other := ExtractOrGenerate(nil); other.Value == id.Value {
		t.Error("generated IDs should be unique")
	}
}

func TestExtractOrGenerate_MalformedTraceparent(t *testing.T) {
	id := ExtractOrGenerate(map[string]string{HeaderTraceparent: "garbage"})
	if id.Source != "generated" {
		t.Errorf("malformed traceparent should fall through: %+v", id)
	}
}

func TestAddToHeaders(t *testing.T) {
	headers := AddToHeaders(nil, ID{Value: "abc"})
	if headers[HeaderCorrelationID] != "abc" {
		t.Errorf("headers: %v", headers)
	}

	existing := map[string]string{"other": "kept"}
	headers = AddToHeaders(existing, ID{Value: "def"})
	if headers["other"] != "kept" || headers[HeaderCorrelationID] != "def" {
		t.Errorf("headers: %v", headers)
	}
}
