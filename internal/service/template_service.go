// internal/service/template_service.go
package service

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// placeholderPattern matches {{name}} tokens. Names cannot contain braces, so
// tokens never nest.
var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// RenderTemplate replaces every {{name}} whose name is in data with its value.
// Unknown placeholders are left exactly as written. Replacement is a single
// pass, so values that themselves contain {{...}} are not expanded again.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		if v, ok := data[token[2:len(token)-2]]; ok {
			return v
		}
		return token
	})
}

const fallbackFirstName = "Customer"

// VariableBuilder produces the per-recipient variable set used by RenderTemplate.
type VariableBuilder struct {
	FrontendURL string
	Now         func() time.Time
}

func NewVariableBuilder(frontendURL string) *VariableBuilder {
	return &VariableBuilder{FrontendURL: strings.TrimRight(frontendURL, "/"), Now: time.Now}
}

// Variables merges generated globals, the recipient's custom fields and the
// recipient's standard fields, later layers winning. email is always the real
// recipient address.
func (b *VariableBuilder) Variables(r model.Recipient) map[string]string {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}

	vars := make(map[string]string, len(r.Custom)+7)
	vars["currentYear"] = strconv.Itoa(now.Year())
	vars["currentDate"] = now.Format("1/2/2006")

	for k, v := range r.Custom {
		vars[k] = v
	}

	local := emailLocalPart(r.Email)
	nameTokens := strings.Fields(r.Name)

	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = local
	}
	vars["name"] = name

	firstName := r.FirstName
	if firstName == "" && len(nameTokens) > 0 {
		firstName = nameTokens[0]
	}
	if firstName == "" {
		firstName = local
	}
	if firstName == "" {
		firstName = fallbackFirstName
	}
	vars["firstName"] = firstName

	lastName := r.LastName
	if lastName == "" && len(nameTokens) > 1 {
		lastName = strings.Join(nameTokens[1:], " ")
	}
	vars["lastName"] = lastName

	vars["unsubscribeUrl"] = b.FrontendURL + "/unsubscribe?email=" + url.QueryEscape(r.Email)
	vars["email"] = r.Email

	return vars
}

// SampleRecipient is used for previews when no real subscriber is given.
func SampleRecipient(email string) model.Recipient {
	if email == "" {
		email = "john.doe@example.com"
	}
	return model.Recipient{Email: email, Name: "John Doe", FirstName: "John", LastName: "Doe"}
}

func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
