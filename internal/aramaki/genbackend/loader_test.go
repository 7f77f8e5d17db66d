package genbackend

import "testing"

// TestNew_ProviderSelection pins which provider names are accepted and
// that construction alone never touches the network.
func TestNew_ProviderSelection(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default is openai", Config{Model: "gpt-4o-mini", APIKey: "k"}, false},
		{"explicit openai", Config{Provider: "openai", Model: "gpt-4o-mini", APIKey: "k"}, false},
		{"ollama with base url", Config{Provider: "ollama", Model: "qwen2.5:7b", BaseURL: "http://127.0.0.1:11434"}, false},
		{"unknown provider", Config{Provider: "bedrock", Model: "m"}, true},
		{"missing model", Config{Provider: "openai"}, true},
		{"bad ollama url", Config{Provider: "ollama", Model: "m", BaseURL: "://nope"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := New(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Error("New accepted an invalid config")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if d == nil {
				t.Fatal("New returned nil dispatcher")
			}
		})
	}
}

// TestNew_Options rejects malformed option JSON and accepts a well-formed
// object.
func TestNew_Options(t *testing.T) {
	_, err := New(Config{Model: "m", APIKey: "k", OptionsJSON: `{"temperature":`})
	if err == nil {
		t.Error("New accepted truncated options JSON")
	}

	d, err := New(Config{Model: "m", APIKey: "k", OptionsJSON: `{"temperature": 0.7, "max_tokens": 2048}`})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	oa, ok := d.(*openAIDispatcher)
	if !ok {
		t.Fatalf("dispatcher type = %T, want *openAIDispatcher", d)
	}
	if temp, ok := oa.options["temperature"].(float64); !ok || temp != 0.7 {
		t.Errorf("options[temperature] = %v", oa.options["temperature"])
	}
}
