package messagelog

import (
	"fmt"

	"github.com/beevik/etree"
)

// BodyPolicy decides whether message bodies are logged. Overrides are
// keyed by client identifier string (INSTANCE/CLASS/CODE[/SUBSYSTEM]).
type BodyPolicy struct {
	Disabled  bool
	Overrides map[string]bool
}

// Enabled reports whether the body of a message owned by client is logged
func (p BodyPolicy) Enabled(client string) bool {
	if enabled, ok := p.Overrides[client]; ok {
		return enabled
	}
	return !p.Disabled
}

// StripBody removes the content of the SOAP Body element, keeping the
// envelope and header.
func StripBody(message string) (string, error) {
	doc := etree.NewDocument()
	doc.WriteSettings.CanonicalEndTags = true
	if err := doc.ReadFromString(message); err != nil {
		return "", fmt.Errorf("parsing message: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("message has no root element")
	}
	body := root.FindElement("./Body")
	if body == nil {
		return "", fmt.Errorf("message has no body")
	}
	for _, child := range append([]etree.Token(nil), body.Child...) {
		body.RemoveChild(child)
	}
	return doc.WriteToString()
}
