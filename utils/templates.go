package utils

import (
	"bytes"
	"fmt"
	"html/template"

	"seqmail/models"
)

// StepTemplateData is what a step's HTML body may reference.
type StepTemplateData struct {
	Email     string
	FirstName string
	LastName  string
}

// RenderStepBody executes a step's HTML body as a template against the
// subscriber, so bodies can personalize with {{.FirstName}} and friends.
func RenderStepBody(htmlBody string, subscriber *models.Subscriber) (string, error) {
	tmpl, err := template.New("step").Parse(htmlBody)
	if err != nil {
		return "", fmt.Errorf("error parsing step body: %w", err)
	}

	data := StepTemplateData{
		Email:     subscriber.Email,
		FirstName: subscriber.FirstName,
		LastName:  subscriber.LastName,
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("error executing step body: %w", err)
	}
	return body.String(), nil
}
