package oauth

import (
	"encoding/json"
	"html/template"
	"net/http"
)

// Actions a successful flow can end with.
const (
	ActionJoined     = "joined"
	ActionConfigured = "configured"
)

// Error codes a failed flow can end with. ErrOrgNotConfigured is special
// cased by the local CLI, which prints different remediation for it.
const (
	ErrOrgNotConfigured = "org_not_configured"
	ErrProviderDenied   = "provider_denied"
	ErrExchangeFailed   = "exchange_failed"
	ErrIdentityFailed   = "identity_failed"
	ErrInvalidState     = "invalid_state"
	ErrInternal         = "internal_error"
)

// Result is the terminal outcome of a provisioning flow, pushed to the
// waiting local process via its one-shot callback listener.
type Result struct {
	Success          bool   `json:"success"`
	Action           string `json:"action,omitempty"`
	Error            string `json:"error,omitempty"`
	Message          string `json:"message,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Email            string `json:"email,omitempty"`
	Name             string `json:"name,omitempty"`
	OrganizationID   string `json:"organizationId,omitempty"`
	OrganizationName string `json:"organizationName,omitempty"`
}

func failure(code, message string) Result {
	return Result{Success: false, Error: code, Message: message}
}

// resultPage is served at the end of every flow. Its script performs the one
// outbound POST to the local callback; there is no polling fallback. The
// result JSON is also embedded in the page itself so the outcome is visible
// even when no callback was carried (e.g. an undecodable state).
var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head><title>hookbridge</title></head>
<body>
<h2>{{if .Result.Success}}Setup complete{{else}}Setup failed{{end}}</h2>
<p>{{.Text}}</p>
<p>You can close this window.</p>
<script>window.__result = {{.Payload}};</script>
{{if .Callback}}
<script>
fetch({{.Callback}}, {
  method: "POST",
  headers: {"Content-Type": "application/json"},
  body: JSON.stringify({platform: "hookbridge", result: {{.Payload}}})
}).catch(function () {});
</script>
{{end}}
</body>
</html>
`))

type resultPageData struct {
	Result   Result
	Text     string
	Callback string
	// Payload is server-built JSON, safe to embed unescaped in the script.
	Payload template.JS
}

// renderResult writes the terminal HTML page carrying the result push.
func renderResult(w http.ResponseWriter, callback string, result Result) {
	payload, err := json.Marshal(result)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	text := result.Message
	if text == "" {
		if result.Success {
			text = "Your tunnel is ready."
		} else {
			text = "Something went wrong during setup."
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = resultPage.Execute(w, resultPageData{
		Result:   result,
		Text:     text,
		Callback: callback,
		Payload:  template.JS(payload),
	})
}
