// Package accounts loads the YAML file describing which messaging-platform
// accounts the gateway serves and which callback path each one owns.
package accounts

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("accounts/schema.json", schemaJSON)

// Account is one platform account served by the gateway. EncodingAESKey
// may be empty while an account is being provisioned; the gateway mounts
// such an account but reports missing key material on every callback.
type Account struct {
	Name           string `yaml:"name" json:"name"`
	Path           string `yaml:"path" json:"path"`
	Token          string `yaml:"token" json:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key" json:"encoding_aes_key,omitempty"`
	ReceiverID     string `yaml:"receiver_id" json:"receiver_id"`
	WelcomeText    string `yaml:"welcome_text" json:"welcome_text,omitempty"`
	PushURL        string `yaml:"push_url" json:"push_url,omitempty"`
}

type file struct {
	Accounts []Account `yaml:"accounts"`
}

// Load reads and parses the account file at path.
func Load(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read account file: %w", err)
	}
	accs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return accs, nil
}

// Parse decodes an account YAML document and validates it against the
// embedded schema. It is the canonical entry point for loading accounts.
func Parse(data []byte) ([]Account, error) {
	// Decode once into a generic document for schema validation, then
	// again into the typed struct. yaml.v3 produces the same shapes the
	// schema validator expects for string-keyed documents.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Accounts))
	for i, a := range f.Accounts {
		if _, dup := seen[a.Name]; dup {
			return nil, fmt.Errorf("accounts[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return f.Accounts, nil
}
