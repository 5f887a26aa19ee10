package eventbus

import (
	"encoding/json"
	"net/http"
)

// envelope is the wire shape every REST response uses: {ok:true,data} or
// {ok:false,error}.
type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: false, Error: message})
}

// field describes one expected request-body field for validateFields.
type field struct {
	Name     string
	Required bool
	Enum     []string // non-empty restricts the value to this closed set
}

// validateFields checks body against the schema table, returning a
// human-readable message for the first violation found, or "" if valid.
func validateFields(body map[string]interface{}, schema []field) string {
	for _, f := range schema {
		v, present := body[f.Name]
		str, isStr := v.(string)
		if !present || v == nil || (isStr && str == "") {
			if f.Required {
				return "missing required field: " + f.Name
			}
			continue
		}
		if len(f.Enum) > 0 {
			s, ok := v.(string)
			if !ok {
				return f.Name + " must be a string"
			}
			valid := false
			for _, e := range f.Enum {
				if s == e {
					valid = true
					break
				}
			}
			if !valid {
				return f.Name + " must be one of " + joinEnum(f.Enum)
			}
		}
	}
	return ""
}

func joinEnum(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
