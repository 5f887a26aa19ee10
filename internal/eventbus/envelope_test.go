package eventbus

import "testing"

func TestValidateFieldsRequiresPresence(t *testing.T) {
	msg := validateFields(map[string]interface{}{}, []field{{Name: "title", Required: true}})
	if msg == "" {
		t.Fatal("expected a missing-field error")
	}
}

func TestValidateFieldsAllowsOptionalAbsence(t *testing.T) {
	msg := validateFields(map[string]interface{}{}, []field{{Name: "color", Required: false}})
	if msg != "" {
		t.Fatalf("expected no error, got %q", msg)
	}
}

func TestValidateFieldsEnforcesEnumClosure(t *testing.T) {
	body := map[string]interface{}{"column": "not-a-column"}
	schema := []field{{Name: "column", Required: true, Enum: []string{"backlog", "in_progress", "done"}}}
	if msg := validateFields(body, schema); msg == "" {
		t.Fatal("expected enum violation to be reported")
	}

	body["column"] = "done"
	if msg := validateFields(body, schema); msg != "" {
		t.Fatalf("expected valid enum value to pass, got %q", msg)
	}
}

func TestValidateFieldsRejectsNonStringEnum(t *testing.T) {
	body := map[string]interface{}{"column": 5}
	schema := []field{{Name: "column", Required: true, Enum: []string{"backlog"}}}
	if msg := validateFields(body, schema); msg == "" {
		t.Fatal("expected type violation to be reported")
	}
}
