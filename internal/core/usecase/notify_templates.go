package usecase

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

type notificationData struct {
	Filename    string
	Summary     string
	Confidence  string
	Duration    string
	ClauseCount int
	Highlights  []domain.KeyTermHighlight
	ResultsURL  string
	Error       string
}

const successText = `Your lease analysis for {{.Filename}} is ready.

{{if .Summary}}Summary: {{.Summary}}
{{end}}{{range .Highlights}}{{.Label}}: {{.Value}}
{{end}}Clauses identified: {{.ClauseCount}}
Confidence: {{.Confidence}}
Processing time: {{.Duration}}
{{if .ResultsURL}}
View the full analysis: {{.ResultsURL}}
{{end}}`

const successHTML = `<h2>Lease analysis complete</h2>
<p>Your lease analysis for <strong>{{.Filename}}</strong> is ready.</p>
{{if .Summary}}<p>{{.Summary}}</p>{{end}}
{{if .Highlights}}<ul>{{range .Highlights}}<li><strong>{{.Label}}:</strong> {{.Value}}</li>{{end}}</ul>{{end}}
<p>Clauses identified: {{.ClauseCount}}<br>Confidence: {{.Confidence}}<br>Processing time: {{.Duration}}</p>
{{if .ResultsURL}}<p><a href="{{.ResultsURL}}">View the full analysis</a></p>{{end}}`

const failureText = `We could not process your lease document {{.Filename}}.

Reason: {{.Error}}

Please check the file is a readable PDF or image and upload it again.
`

const failureHTML = `<h2>Lease analysis failed</h2>
<p>We could not process your lease document <strong>{{.Filename}}</strong>.</p>
<p>Reason: {{.Error}}</p>
<p>Please check the file is a readable PDF or image and upload it again.</p>`

var (
	successTextTmpl = texttemplate.Must(texttemplate.New("success_text").Parse(successText))
	successHTMLTmpl = htmltemplate.Must(htmltemplate.New("success_html").Parse(successHTML))
	failureTextTmpl = texttemplate.Must(texttemplate.New("failure_text").Parse(failureText))
	failureHTMLTmpl = htmltemplate.Must(htmltemplate.New("failure_html").Parse(failureHTML))
)

func composeNotification(job *domain.Job, publicBaseURL string) (domain.Notification, error) {
	data := notificationData{
		Filename: job.Filename,
		Duration: formatDuration(job.ProcessingDuration()),
		Error:    job.ErrorMessage,
	}
	if publicBaseURL != "" {
		data.ResultsURL = publicBaseURL + "/lease-analysis/" + job.ID
	}

	msg := domain.Notification{
		To: job.UserEmail,
		Tags: map[string]string{
			"category": "lease_processing",
			"job_id":   job.ID,
			"status":   string(job.Status),
		},
	}

	var textBuf, htmlBuf bytes.Buffer
	var err error
	if job.Status == domain.JobCompleted {
		if job.Analysis != nil {
			data.Summary = job.Analysis.Summary
			data.Confidence = fmt.Sprintf("%.0f%%", job.Analysis.Confidence*100)
			data.ClauseCount = len(job.Analysis.Clauses)
			data.Highlights = job.Analysis.KeyTerms.Highlights()
		}
		msg.Subject = fmt.Sprintf("Lease analysis complete: %s", job.Filename)
		err = render(&textBuf, &htmlBuf, successTextTmpl, successHTMLTmpl, data)
	} else {
		if strings.TrimSpace(data.Error) == "" {
			data.Error = "unknown error"
		}
		msg.Subject = fmt.Sprintf("Lease analysis failed: %s", job.Filename)
		err = render(&textBuf, &htmlBuf, failureTextTmpl, failureHTMLTmpl, data)
	}
	if err != nil {
		return domain.Notification{}, err
	}
	msg.Text = textBuf.String()
	msg.HTML = htmlBuf.String()
	return msg, nil
}

func render(textBuf, htmlBuf *bytes.Buffer, textTmpl *texttemplate.Template, htmlTmpl *htmltemplate.Template, data notificationData) error {
	if err := textTmpl.Execute(textBuf, data); err != nil {
		return fmt.Errorf("render text notification: %w", err)
	}
	if err := htmlTmpl.Execute(htmlBuf, data); err != nil {
		return fmt.Errorf("render html notification: %w", err)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Round(time.Second).Seconds()))
	}
	return d.Round(time.Second).String()
}
