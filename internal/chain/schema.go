package chain

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBase = "https://trustchain.local/schemas/"

// Payload schemas for the typed kinds. Kinds sharing a payload type share a schema.
var payloadSchemas = map[string]string{
	"audit_log": `{
		"type": "object",
		"required": ["resource", "action"],
		"properties": {
			"resource": {"type": "string", "minLength": 1},
			"action":   {"type": "string", "minLength": 1},
			"message":  {"type": "string"},
			"details":  {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	"permission_change": `{
		"type": "object",
		"required": ["resource", "subject", "permission"],
		"properties": {
			"resource":   {"type": "string", "minLength": 1},
			"subject":    {"type": "string", "minLength": 1},
			"permission": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"access_decision": `{
		"type": "object",
		"required": ["resource", "allowed", "riskScore", "requiresApproval"],
		"properties": {
			"policyId":          {"type": "string"},
			"policyVersion":     {"type": "integer", "minimum": 0},
			"resource":          {"type": "string", "minLength": 1},
			"action":            {"type": "string"},
			"allowed":           {"type": "boolean"},
			"matchedConditions": {"type": "array", "items": {"type": "string"}},
			"failedConditions":  {"type": "array", "items": {"type": "string"}},
			"riskScore":         {"type": "integer", "minimum": 0, "maximum": 100},
			"requiresApproval":  {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"policy_change": `{
		"type": "object",
		"required": ["policyId", "name", "resource", "version", "isActive"],
		"properties": {
			"policyId": {"type": "string", "minLength": 1},
			"name":     {"type": "string"},
			"resource": {"type": "string", "minLength": 1},
			"version":  {"type": "integer", "minimum": 1},
			"isActive": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"identity_issued": `{
		"type": "object",
		"required": ["subject"],
		"properties": {
			"subject":   {"type": "string", "minLength": 1},
			"roles":     {"type": "array", "items": {"type": "string"}},
			"tokenId":   {"type": "string"},
			"expiresAt": {"type": "integer"}
		},
		"additionalProperties": false
	}`,
	"key_rotated": `{
		"type": "object",
		"required": ["keyId", "algorithm"],
		"properties": {
			"keyId":         {"type": "string", "minLength": 1},
			"previousKeyId": {"type": "string"},
			"algorithm":     {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"chain_genesis": `{
		"type": "object",
		"required": ["message"],
		"properties": {"message": {"type": "string"}},
		"additionalProperties": false
	}`,
}

var kindSchema = map[string]string{
	KindAuditLog:          "audit_log",
	KindPermissionGranted: "permission_change",
	KindPermissionRevoked: "permission_change",
	KindAccessGranted:     "access_decision",
	KindAccessDenied:      "access_decision",
	KindPolicyDeployed:    "policy_change",
	KindPolicyUpdated:     "policy_change",
	KindPolicyRevoked:     "policy_change",
	KindIdentityIssued:    "identity_issued",
	KindKeyRotated:        "key_rotated",
	KindGenesis:           "chain_genesis",
}

var (
	schemasOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
		for name, src := range payloadSchemas {
			url := schemaBase + name + ".schema.json"
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				schemasErr = fmt.Errorf("load schema %s: %w", name, err)
				return
			}
		}
		for name := range payloadSchemas {
			s, err := c.Compile(schemaBase + name + ".schema.json")
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		compiled = out
	})
	return compiled, schemasErr
}

// ValidateEvent checks an event's envelope and, for typed kinds, its payload
// against the kind's JSON Schema. Opaque kinds only need a non-null payload.
func ValidateEvent(e Event) error {
	if strings.TrimSpace(e.Type) == "" {
		return Structural("type", "event type is required")
	}
	if e.Payload == nil {
		return Structural("payload", "event payload is required")
	}
	if e.OccurredAt <= 0 {
		return Structural("occurredAt", "event timestamp must be positive")
	}

	name, typed := kindSchema[e.Type]
	if !typed {
		if _, ok := e.Payload.(RawPayload); !ok {
			return Structural("payload", fmt.Sprintf("kind %q carries a typed payload", e.Type))
		}
		var v any
		if err := json.Unmarshal(e.Payload.(RawPayload), &v); err != nil {
			return Structural("payload", "payload is not valid JSON")
		}
		if v == nil {
			return Structural("payload", "event payload is required")
		}
		return nil
	}

	if _, raw := e.Payload.(RawPayload); raw {
		return Structural("payload", fmt.Sprintf("kind %q requires a typed payload", e.Type))
	}

	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return Structural("payload", err.Error())
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Structural("payload", err.Error())
	}
	if err := schemas[name].Validate(doc); err != nil {
		return Structural("payload", err.Error())
	}
	return nil
}
