package notifier

import (
	"bytes"
	"html/template"
	"time"

	"smarttasks/internal/model"
)

// DigestSubject is the subject line of the daily digest.
const DigestSubject = "Urgent Tasks for Today"

const deadlineLayout = "January 02, 2006"

var digestTemplate = template.Must(template.New("digest").Parse(`<html>
<head>
<style>
  table {width: 100%; border-collapse: collapse;}
  table, th, td {border: 1px solid black;}
  th, td {padding: 10px; text-align: left;}
  th {background-color: #f2f2f2;}
</style>
</head>
<body>
<p>Here are your urgent tasks for today:</p>
<table>
<tr><th>Sender</th><th>Task</th><th>Deadline</th></tr>
{{- range .}}
<tr><td>{{.Sender}}</td><td>{{.Task}}</td><td>{{.Deadline}}</td></tr>
{{- end}}
</table>
<p>Do more with your tasks by opening SmartTasks.</p>
</body>
</html>
`))

type digestRow struct {
	Sender   string
	Task     string
	Deadline string
}

// ComposeDigest renders the digest table for docs. Deadlines are shown in loc.
func ComposeDigest(docs []*model.TaskDocument, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	rows := make([]digestRow, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, digestRow{
			Sender:   orDefault(d.Sender, "Unknown Sender"),
			Task:     orDefault(d.Task, orDefault(d.Subject, "No Subject")),
			Deadline: FormatDeadline(d.Deadline, loc),
		})
	}
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, rows); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FormatDeadline renders a deadline as "January 02, 2006".
func FormatDeadline(deadline *time.Time, loc *time.Location) string {
	if deadline == nil {
		return "No deadline specified"
	}
	return deadline.In(loc).Format(deadlineLayout)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
