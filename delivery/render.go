package delivery

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"dripline/models"
)

// RenderData is what step templates can reference.
type RenderData struct {
	FirstName string
	LastName  string
	Email     string
	Company   string
	Step      string
}

// Renderer turns a step into deliverable content for one subject.
type Renderer interface {
	Render(step models.SequenceStep, subject *models.Subject, messageID string) (Content, error)
}

// TemplateRenderer renders the step subject as text and the body as HTML,
// then injects tracking for messageID.
type TemplateRenderer struct {
	Tracker Tracker
}

func (r TemplateRenderer) Render(step models.SequenceStep, subject *models.Subject, messageID string) (Content, error) {
	data := RenderData{
		FirstName: subject.FirstName,
		LastName:  subject.LastName,
		Email:     subject.Email,
		Company:   subject.Company,
		Step:      step.Name,
	}

	subjectTmpl, err := texttemplate.New("subject").Option("missingkey=zero").Parse(step.Subject)
	if err != nil {
		return Content{}, fmt.Errorf("parse subject of step %d: %w", step.Order, err)
	}
	var subj bytes.Buffer
	if err := subjectTmpl.Execute(&subj, data); err != nil {
		return Content{}, fmt.Errorf("render subject of step %d: %w", step.Order, err)
	}

	bodyTmpl, err := htmltemplate.New("body").Parse(step.Body)
	if err != nil {
		return Content{}, fmt.Errorf("parse body of step %d: %w", step.Order, err)
	}
	var body bytes.Buffer
	if err := bodyTmpl.Execute(&body, data); err != nil {
		return Content{}, fmt.Errorf("render body of step %d: %w", step.Order, err)
	}

	return Content{
		Subject: subj.String(),
		Body:    r.Tracker.Inject(body.String(), messageID),
	}, nil
}
